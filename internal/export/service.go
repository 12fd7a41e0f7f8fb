package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service provides report export functionality. It keeps one Controller
// per dashboard item so exports of the same item are serialized while
// different items render concurrently.
type Service struct {
	capturer  Capturer
	sink      Sink
	verifier  Verifier
	policy    RetryPolicy
	logger    logrus.FieldLogger
	observers []Observer
	now       func() time.Time
	newID     func() string

	mu          sync.Mutex
	controllers map[string]*Controller
	inFlight    map[string]*Controller
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger handed to every controller.
func WithServiceLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceVerifier checks every document before delivery.
func WithServiceVerifier(v Verifier) ServiceOption {
	return func(s *Service) { s.verifier = v }
}

// WithStatusObserver subscribes fn to the status updates of every report.
func WithStatusObserver(fn Observer) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// WithClock overrides the time source used for filenames and metadata.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides report id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a new export service
func NewService(capturer Capturer, sink Sink, policy RetryPolicy, opts ...ServiceOption) (*Service, error) {
	if capturer == nil {
		return nil, errors.New("capturer is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Service{
		capturer:    capturer,
		sink:        sink,
		policy:      policy,
		logger:      discard,
		now:         time.Now,
		newID:       uuid.NewString,
		controllers: make(map[string]*Controller),
		inFlight:    make(map[string]*Controller),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Prepared is a validated request ready to be generated.
type Prepared struct {
	Key string
	Job Job
}

// Prepare validates req, applies defaults and renders the report surface.
func (s *Service) Prepare(req Request) (Prepared, error) {
	opts := withDefaults(req.Options)
	geometry, err := ResolveGeometry(opts.Format, opts.Orientation, *opts.Margins)
	if err != nil {
		return Prepared{}, err
	}
	if err := geometry.Validate(); err != nil {
		return Prepared{}, err
	}
	if opts.Quality <= 0 || opts.Quality > 1 || math.IsNaN(opts.Quality) {
		return Prepared{}, fmt.Errorf("%w: quality %v outside (0,1]", ErrInvalidRequest, opts.Quality)
	}
	if opts.Scale <= 0 || math.IsNaN(opts.Scale) {
		return Prepared{}, fmt.Errorf("%w: scale %v must be positive", ErrInvalidRequest, opts.Scale)
	}
	bg, err := ParseHexColor(opts.Background)
	if err != nil {
		return Prepared{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	content := req.Content
	if err := content.Validate(); err != nil {
		return Prepared{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.now()
	if content.GeneratedAt.IsZero() {
		content.GeneratedAt = now
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}

	surface := Surface{URL: req.SurfaceURL, Selector: req.Selector}
	if req.SurfaceURL == "" {
		html, err := RenderReportHTML(content, opts.Background)
		if err != nil {
			return Prepared{}, fmt.Errorf("render template: %w", err)
		}
		surface = Surface{HTML: html, Selector: ReportSelector}
	}

	capture := DefaultCaptureOptions()
	capture.Scale = opts.Scale
	capture.BackgroundColor = bg
	capture.CrossOriginSafe = opts.CrossOriginSafe

	name := content.Name
	if name == "" {
		name = content.Title
	}
	entityID := content.EntityID
	if entityID == "" {
		entityID = id
	}
	title := content.Title
	if title == "" {
		title = name
	}

	return Prepared{
		Key: content.Key(),
		Job: Job{
			ID:       id,
			Surface:  surface,
			Capture:  capture,
			Geometry: geometry,
			Quality:  opts.Quality,
			Filename: Filename(name, entityID, now),
			Meta: DocumentMeta{
				Title:     title,
				Author:    content.Author,
				Subject:   string(content.Kind) + " report",
				CreatedAt: now,
			},
		},
	}, nil
}

func withDefaults(o RenderOptions) RenderOptions {
	d := DefaultRenderOptions()
	if o.Format == "" {
		o.Format = d.Format
	}
	if o.Orientation == "" {
		o.Orientation = d.Orientation
	}
	if o.Margins == nil {
		o.Margins = d.Margins
	}
	if o.Quality == 0 {
		o.Quality = d.Quality
	}
	if o.Scale == 0 {
		o.Scale = d.Scale
	}
	if o.Background == "" {
		o.Background = d.Background
	}
	return o
}

func (s *Service) controller(key string) (*Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[key]; ok {
		return c, nil
	}
	opts := []ControllerOption{
		WithLogger(s.logger.WithField("report_key", key)),
		WithVerifier(s.verifier),
	}
	for _, fn := range s.observers {
		opts = append(opts, WithObserver(fn))
	}
	c, err := NewController(s.capturer, s.sink, s.policy, opts...)
	if err != nil {
		return nil, err
	}
	s.controllers[key] = c
	return c, nil
}

func (s *Service) track(id string, c *Controller) {
	s.mu.Lock()
	s.inFlight[id] = c
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// Export generates a report and waits for the result.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	p, err := s.Prepare(req)
	if err != nil {
		return nil, err
	}
	return s.ExportPrepared(ctx, p)
}

// ExportPrepared runs a job returned by Prepare and waits for the result.
func (s *Service) ExportPrepared(ctx context.Context, p Prepared) (*Result, error) {
	c, err := s.controller(p.Key)
	if err != nil {
		return nil, err
	}
	done, err := c.start(ctx, p.Job, func() { s.track(p.Job.ID, c) })
	if err != nil {
		return nil, err
	}
	defer s.untrack(p.Job.ID)

	out := <-done
	if out.Err != nil {
		return nil, out.Err
	}
	return &out.Result, nil
}

// Start begins a report generation in the background and returns its id.
// ctx bounds the generation itself, not just the call.
func (s *Service) Start(ctx context.Context, req Request, onDone func(*Result, error)) (string, error) {
	p, err := s.Prepare(req)
	if err != nil {
		return "", err
	}
	if err := s.StartPrepared(ctx, p, onDone); err != nil {
		return "", err
	}
	return p.Job.ID, nil
}

// StartPrepared is Start for a job returned by Prepare. A concurrent
// generation for the same item is rejected before anything runs.
func (s *Service) StartPrepared(ctx context.Context, p Prepared, onDone func(*Result, error)) error {
	c, err := s.controller(p.Key)
	if err != nil {
		return err
	}
	// Tracking under the controller's reservation lets Cancel and Status
	// see the id as soon as the generation exists.
	done, err := c.start(ctx, p.Job, func() { s.track(p.Job.ID, c) })
	if err != nil {
		return err
	}
	go func() {
		out := <-done
		s.untrack(p.Job.ID)
		if onDone == nil {
			return
		}
		if out.Err != nil {
			onDone(nil, out.Err)
			return
		}
		onDone(&out.Result, nil)
	}()
	return nil
}

// Cancel cancels the in-flight report id. It reports whether it was running.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	c, ok := s.inFlight[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if current, busy := c.InFlight(); !busy || current != id {
		return false
	}
	return c.Cancel()
}

// Status returns the live status of an in-flight report.
func (s *Service) Status(id string) (GenerationStatus, bool) {
	s.mu.Lock()
	c, ok := s.inFlight[id]
	s.mu.Unlock()
	if !ok {
		return GenerationStatus{}, false
	}
	st := c.Status()
	if st.ID != id {
		return GenerationStatus{ID: id, IsGenerating: true}, true
	}
	return st, true
}
