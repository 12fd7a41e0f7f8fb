package app

import (
	"errors"
	"fmt"
	"net/http"

	"trafficdash/api/internal/export"
	"trafficdash/api/internal/statusstore"
	"trafficdash/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service and export errors into an HTTP status and a
// stable error code. Messages come from export.PublicMessage so internal
// causes never reach the client.
func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr  *DomainError
		concurrent *export.ConcurrentGenerationError
		geometry   *export.GeometryError
		exhausted  *export.ExhaustedRetriesError
		capture    *export.CaptureError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, store.ErrNotFound), errors.Is(err, statusstore.ErrNotFound), errors.Is(err, export.ErrArtifactNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.As(err, &concurrent):
		return http.StatusConflict, "GENERATION_IN_PROGRESS", export.PublicMessage(err), map[string]any{"reportId": concurrent.InFlightID}
	case errors.As(err, &geometry):
		return http.StatusUnprocessableEntity, "INVALID_GEOMETRY", export.PublicMessage(err), nil
	case errors.Is(err, export.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", export.PublicMessage(err), nil
	case errors.Is(err, export.ErrCancelled):
		return http.StatusConflict, "GENERATION_CANCELLED", export.PublicMessage(err), nil
	case errors.Is(err, export.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable, "RENDERER_UNAVAILABLE", export.PublicMessage(err), nil
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, "GENERATION_FAILED", export.PublicMessage(err), map[string]any{"attempts": exhausted.Attempts}
	case errors.As(err, &capture):
		return http.StatusServiceUnavailable, "GENERATION_FAILED", export.PublicMessage(err), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
