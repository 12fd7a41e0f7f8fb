package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trafficdash/api/internal/export"
	"trafficdash/api/internal/search"
	"trafficdash/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     logrus.FieldLogger
	limiter    *clientLimiter
}

// NewHTTPServer wires the report API. requestsPerMinute limits report
// generation per client; zero disables it.
func NewHTTPServer(service *Service, corsOrigin string, requestsPerMinute int, logger logrus.FieldLogger) *HTTPServer {
	if logger == nil {
		logger = service.logger
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		limiter:    newClientLimiter(requestsPerMinute),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "reports" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleGenerate(w, r)
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleList(w, r)
	case len(parts) == 3 && parts[2] == "async" && r.Method == http.MethodPost:
		s.handleStart(w, r)
	case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodGet:
		st, err := s.service.Status(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case len(parts) == 4 && parts[3] == "cancel" && r.Method == http.MethodPost:
		if err := s.service.Cancel(parts[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "reportId": parts[2]})
	case len(parts) == 4 && parts[3] == "download" && r.Method == http.MethodGet:
		s.handleDownload(w, r, parts[2])
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err == nil {
			checks[name] = map[string]any{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type generateBody struct {
	GenerateInput
	// Preview returns the PDF inline as a data URI instead of an attachment.
	Preview bool `json:"preview"`
}

func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.Allow(clientAddress(r)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many report requests", nil)
	return false
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var body generateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.Generate(r.Context(), body.GenerateInput)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	if body.Preview {
		writeJSON(w, http.StatusOK, map[string]any{
			"reportId": result.ID,
			"filename": result.Filename,
			"pages":    result.Pages,
			"warnings": nonNilStrings(result.Warnings),
			"location": result.Location,
			"dataUri": export.DataURI(export.Artifact{
				Filename: result.Filename,
				MimeType: result.MimeType,
				Data:     result.Data,
			}),
		})
		return
	}

	// Return as downloadable file
	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("X-Report-ID", result.ID)
	w.Header().Set("X-Report-Pages", strconv.Itoa(result.Pages))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var body GenerateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	id, err := s.service.StartGeneration(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"reportId":  id,
		"statusUrl": "/api/reports/" + id + "/status",
	})
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	if text := strings.TrimSpace(query.Get("q")); text != "" || query.Get("status") != "" {
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:         text,
			FilterKind:   query.Get("kind"),
			FilterStatus: query.Get("status"),
			Limit:        limit,
			Offset:       offset,
		}))
		return
	}

	runs, err := s.service.ListRuns(r.Context(), store.RunFilter{
		EntityKind: query.Get("kind"),
		EntityID:   query.Get("entityId"),
		Limit:      limit,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		items = append(items, runPayload(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	filename, rc, err := s.service.Download(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.Header().Set("Content-Type", export.MimeTypePDF)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.WithError(err).WithField("report_id", id).Warn("download interrupted")
	}
}

// handleEvents streams status updates as server-sent events.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming is not supported", nil)
		return
	}
	updates, err := s.service.Watch(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for st := range updates {
		data, err := json.Marshal(st)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func runPayload(run store.Run) map[string]any {
	payload := map[string]any{
		"id":         run.ID,
		"entityKind": run.EntityKind,
		"entityId":   run.EntityID,
		"name":       run.Name,
		"title":      run.Title,
		"filename":   run.Filename,
		"status":     run.Status,
		"attempts":   run.Attempts,
		"pages":      run.Pages,
		"fallback":   run.Fallback,
		"sizeBytes":  run.SizeBytes,
		"createdAt":  run.CreatedAt,
		"finishedAt": run.FinishedAt,
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	if run.LocationKind != "" {
		payload["location"] = export.Location{Kind: run.LocationKind, URI: run.LocationURI}
	}
	return payload
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Report-ID, X-Report-Pages")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
