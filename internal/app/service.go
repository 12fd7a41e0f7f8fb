package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trafficdash/api/internal/export"
	"trafficdash/api/internal/search"
	"trafficdash/api/internal/statusstore"
	"trafficdash/api/internal/store"
)

type exporter interface {
	Prepare(export.Request) (export.Prepared, error)
	StartPrepared(context.Context, export.Prepared, func(*export.Result, error)) error
	Cancel(string) bool
	Status(string) (export.GenerationStatus, bool)
}

type searcher interface {
	Search(search.Query) search.Response
	IndexReport(search.ReportRecord)
}

// Pinger is anything the readiness check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GenerateInput is the body of a report request.
type GenerateInput struct {
	ID         string               `json:"id"`
	Content    export.ReportContent `json:"content"`
	SurfaceURL string               `json:"surfaceUrl"`
	Selector   string               `json:"selector"`
	Options    export.RenderOptions `json:"options"`
}

func (in GenerateInput) request() export.Request {
	return export.Request{
		ID:         strings.TrimSpace(in.ID),
		Content:    in.Content,
		SurfaceURL: strings.TrimSpace(in.SurfaceURL),
		Selector:   strings.TrimSpace(in.Selector),
		Options:    in.Options,
	}
}

type Service struct {
	exports   exporter
	statuses  statusstore.Store
	runs      store.RunStore
	search    searcher
	artifacts export.ArtifactStore
	logger    logrus.FieldLogger
	checks    map[string]Pinger
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSearch(sr searcher) Option {
	return func(s *Service) { s.search = sr }
}

// WithArtifacts enables downloads of finished reports.
func WithArtifacts(a export.ArtifactStore) Option {
	return func(s *Service) { s.artifacts = a }
}

// WithReadinessCheck adds a dependency to the /api/ready probe.
func WithReadinessCheck(name string, p Pinger) Option {
	return func(s *Service) {
		if p != nil {
			s.checks[name] = p
		}
	}
}

func New(exports exporter, statuses statusstore.Store, runs store.RunStore, opts ...Option) *Service {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &Service{
		exports:  exports,
		statuses: statuses,
		runs:     runs,
		logger:   logger,
		checks:   map[string]Pinger{"database": runs},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate renders a report and waits for it. Cancelling ctx cancels the
// generation.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (*export.Result, error) {
	type outcome struct {
		res *export.Result
		err error
	}
	done := make(chan outcome, 1)
	if _, err := s.start(ctx, in, func(res *export.Result, err error) {
		done <- outcome{res, err}
	}); err != nil {
		return nil, err
	}
	out := <-done
	return out.res, out.err
}

// StartGeneration queues a report and returns its id immediately. The
// generation outlives the calling request.
func (s *Service) StartGeneration(ctx context.Context, in GenerateInput) (string, error) {
	return s.start(context.WithoutCancel(ctx), in, nil)
}

func (s *Service) start(ctx context.Context, in GenerateInput, onDone func(*export.Result, error)) (string, error) {
	p, err := s.exports.Prepare(in.request())
	if err != nil {
		return "", err
	}
	// The run row must exist before the generation can finish it.
	recorded := make(chan struct{})
	err = s.exports.StartPrepared(ctx, p, func(res *export.Result, err error) {
		<-recorded
		s.finishRun(p, res, err)
		if onDone != nil {
			onDone(res, err)
		}
	})
	if err != nil {
		return "", err
	}
	s.recordRun(context.WithoutCancel(ctx), in.Content, p)
	close(recorded)
	return p.Job.ID, nil
}

// Status returns the live status of a report, then the stored one, then
// one derived from the run history.
func (s *Service) Status(ctx context.Context, id string) (export.GenerationStatus, error) {
	if st, ok := s.exports.Status(id); ok {
		return st, nil
	}
	st, err := s.statuses.Get(ctx, id)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, statusstore.ErrNotFound) {
		s.logger.WithError(err).WithField("report_id", id).Warn("status store lookup failed")
	}
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return export.GenerationStatus{}, err
	}
	return statusFromRun(run), nil
}

// Watch streams the status of a report, starting with the current one.
// The channel closes once the report has finished or ctx is done.
func (s *Service) Watch(ctx context.Context, id string) (<-chan export.GenerationStatus, error) {
	watcher, ok := s.statuses.(statusstore.Watcher)
	if !ok {
		return nil, domainError(http.StatusNotImplemented, "WATCH_UNAVAILABLE", "Status streaming is not available", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	// Subscribe before reading the current status so no update falls between.
	updates, err := watcher.Watch(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}
	current, err := s.Status(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan export.GenerationStatus, 1)
	out <- current
	go func() {
		defer close(out)
		defer cancel()
		if current.Terminal() {
			return
		}
		for st := range updates {
			if st.UpdatedAt.Before(current.UpdatedAt) {
				continue
			}
			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) Cancel(id string) error {
	if s.exports.Cancel(id) {
		return nil
	}
	return domainError(http.StatusNotFound, "NOT_RUNNING", "No generation is running for this report", nil)
}

// Download opens a completed report's PDF.
func (s *Service) Download(ctx context.Context, id string) (string, io.ReadCloser, error) {
	if s.artifacts == nil {
		return "", nil, domainError(http.StatusNotImplemented, "DOWNLOAD_UNAVAILABLE", "Reports are not kept on this server", nil)
	}
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if run.Status != store.RunCompleted {
		return "", nil, domainError(http.StatusConflict, "NOT_READY", "The report is not available for download", map[string]any{"status": run.Status})
	}
	rc, err := s.artifacts.Open(ctx, run.Filename)
	if err != nil {
		return "", nil, err
	}
	return run.Filename, rc, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error) {
	return s.runs.ListRuns(ctx, filter)
}

// Ping probes every readiness dependency and returns the failures by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, p := range s.checks {
		results[name] = p.Ping(ctx)
	}
	return results
}

func (s *Service) recordRun(ctx context.Context, content export.ReportContent, p export.Prepared) {
	run := store.Run{
		ID:         p.Job.ID,
		EntityKind: string(content.Kind),
		EntityID:   content.EntityID,
		Name:       content.Name,
		Title:      p.Job.Meta.Title,
		Filename:   p.Job.Filename,
		Status:     store.RunRunning,
		CreatedAt:  s.now(),
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		s.logger.WithError(err).WithField("report_id", run.ID).Warn("record report run")
	}
}

func (s *Service) finishRun(p export.Prepared, res *export.Result, genErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome := outcomeFor(res, genErr)
	outcome.FinishedAt = s.now()
	logger := s.logger.WithField("report_id", p.Job.ID)
	if err := s.runs.FinishRun(ctx, p.Job.ID, outcome); err != nil {
		logger.WithError(err).Warn("finish report run")
		return
	}
	if s.search == nil {
		return
	}
	run, err := s.runs.GetRun(ctx, p.Job.ID)
	if err != nil {
		logger.WithError(err).Warn("load report run for indexing")
		return
	}
	s.search.IndexReport(search.RecordFromRun(run))
}

func outcomeFor(res *export.Result, err error) store.RunOutcome {
	if err == nil && res != nil {
		return store.RunOutcome{
			Status:       store.RunCompleted,
			Attempts:     res.Attempts,
			Pages:        res.Pages,
			Fallback:     res.Fallback,
			LocationKind: res.Location.Kind,
			LocationURI:  res.Location.URI,
			SizeBytes:    int64(len(res.Data)),
		}
	}
	outcome := store.RunOutcome{Status: store.RunFailed, Error: export.PublicMessage(err), Attempts: 1}
	var exhausted *export.ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		outcome.Attempts = exhausted.Attempts
	}
	if errors.Is(err, export.ErrCancelled) {
		outcome.Status = store.RunCancelled
	}
	return outcome
}

func statusFromRun(run store.Run) export.GenerationStatus {
	st := export.GenerationStatus{
		ID:           run.ID,
		IsGenerating: run.Status == store.RunRunning,
		Attempt:      run.Attempts,
		Pages:        run.Pages,
		Error:        run.Error,
		UpdatedAt:    run.CreatedAt,
	}
	if run.FinishedAt != nil {
		st.UpdatedAt = *run.FinishedAt
	}
	switch run.Status {
	case store.RunCompleted:
		st.Completed = true
		st.Progress = export.ProgressDelivered
	case store.RunRunning:
		// A running row with no live or stored status was orphaned by a restart.
		st.IsGenerating = false
		st.Error = "The report generation was interrupted."
	}
	return st
}
