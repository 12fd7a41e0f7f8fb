package export

import (
	"context"
	"errors"
	"fmt"
)

// CaptureError reports that a surface could not be rasterized.
type CaptureError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture failed: %s: %v", e.Reason, e.Err)
	}
	return "capture failed: " + e.Reason
}

func (e *CaptureError) Unwrap() error { return e.Err }

// GeometryError reports a page geometry that cannot hold the image.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "invalid page geometry: " + e.Reason
}

// AssemblyError reports a page that could not be written. It is a warning:
// the page is skipped and the rest of the document is kept.
type AssemblyError struct {
	Page int
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("page %d skipped: %v", e.Page+1, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// ConcurrentGenerationError is returned when a controller is already busy.
type ConcurrentGenerationError struct {
	InFlightID string
}

func (e *ConcurrentGenerationError) Error() string {
	if e.InFlightID == "" {
		return "a report is already being generated"
	}
	return fmt.Sprintf("report %s is already being generated", e.InFlightID)
}

// ExhaustedRetriesError is returned after the last allowed attempt failed.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("report generation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrCaptureUnavailable) || errors.Is(err, ErrAlreadyFinalized) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var geometryErr *GeometryError
	if errors.As(err, &geometryErr) {
		return false
	}
	var concurrentErr *ConcurrentGenerationError
	if errors.As(err, &concurrentErr) {
		return false
	}
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Transient
	}
	return true
}

// PublicMessage turns err into the message shown to dashboard users.
// Stage names and wrapped causes stay in the logs.
func PublicMessage(err error) string {
	var (
		exhausted  *ExhaustedRetriesError
		geometry   *GeometryError
		concurrent *ConcurrentGenerationError
		capture    *CaptureError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Report generation was cancelled."
	case errors.As(err, &exhausted):
		return fmt.Sprintf("The report could not be generated after %d attempts. Please try again later.", exhausted.Attempts)
	case errors.As(err, &concurrent):
		return "A report for this item is already being generated."
	case errors.As(err, &geometry):
		return "The selected page format and margins leave no room for the report."
	case errors.Is(err, ErrInvalidRequest):
		return "The report request is invalid."
	case errors.Is(err, ErrCaptureUnavailable):
		return "Report rendering is not available on this server."
	case errors.As(err, &capture):
		return "The report view could not be captured."
	default:
		return "The report could not be generated."
	}
}
