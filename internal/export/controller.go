package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of a Controller.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateRetrying
	StateSucceeded
	StateExhausted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RetryPolicy bounds the attempts of one generation.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy allows three retries, starting at one second and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		Multiplier:     2,
		AttemptTimeout: 45 * time.Second,
	}
}

// Validate rejects policies with negative counts or a shrinking multiplier.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max retries %d is negative", p.MaxRetries)
	case p.InitialDelay < 0:
		return fmt.Errorf("initial delay %s is negative", p.InitialDelay)
	case p.Multiplier < 1 || math.IsNaN(p.Multiplier):
		return fmt.Errorf("backoff multiplier %v is below 1", p.Multiplier)
	case p.AttemptTimeout < 0:
		return fmt.Errorf("attempt timeout %s is negative", p.AttemptTimeout)
	}
	return nil
}

// Delay is the wait before retry n, counted from zero.
func (p RetryPolicy) Delay(n int) time.Duration {
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n)))
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Job describes one report generation.
type Job struct {
	ID       string
	Surface  Surface
	Capture  CaptureOptions
	Geometry PageGeometry
	Quality  float64
	Filename string
	Meta     DocumentMeta
}

func (j Job) validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}
	if j.Filename == "" {
		return fmt.Errorf("%w: job filename is required", ErrInvalidRequest)
	}
	if j.Capture.Scale <= 0 || math.IsNaN(j.Capture.Scale) {
		return &CaptureError{Reason: fmt.Sprintf("scale %v must be positive", j.Capture.Scale)}
	}
	if j.Quality <= 0 || j.Quality > 1 || math.IsNaN(j.Quality) {
		return fmt.Errorf("%w: quality %v outside (0,1]", ErrInvalidRequest, j.Quality)
	}
	return j.Geometry.Validate()
}

// Controller runs report generations one at a time, retrying transient
// failures. Status updates go to the controller's Reporter.
type Controller struct {
	capturer Capturer
	sink     Sink
	verifier Verifier
	policy   RetryPolicy
	logger   logrus.FieldLogger
	reporter *Reporter

	mu        sync.Mutex
	state     State
	busy      bool
	currentID string
	cancel    context.CancelCauseFunc
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithVerifier checks each serialized document before delivery.
func WithVerifier(v Verifier) ControllerOption {
	return func(c *Controller) { c.verifier = v }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l logrus.FieldLogger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver subscribes fn to every status update.
func WithObserver(fn Observer) ControllerOption {
	return func(c *Controller) { c.reporter.Subscribe(fn) }
}

// NewController builds a controller. sink may be nil when the caller only
// needs the bytes in Result.
func NewController(capturer Capturer, sink Sink, policy RetryPolicy, opts ...ControllerOption) (*Controller, error) {
	if capturer == nil {
		return nil, errors.New("capturer is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	c := &Controller{
		capturer: capturer,
		sink:     sink,
		policy:   policy,
		logger:   discard,
		reporter: NewReporter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe registers an observer for status updates.
func (c *Controller) Subscribe(fn Observer) func() {
	return c.reporter.Subscribe(fn)
}

// Status returns the latest status.
func (c *Controller) Status() GenerationStatus {
	return c.reporter.Current()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight returns the id of the running generation, if any.
func (c *Controller) InFlight() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID, c.busy
}

// Cancel stops the running generation, including a pending retry delay.
// It reports whether there was anything to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy || c.cancel == nil {
		return false
	}
	c.cancel(ErrCancelled)
	return true
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Outcome is the final result of a generation started with Start.
type Outcome struct {
	Result Result
	Err    error
}

// Generate runs job to completion. A call made while another generation is
// running fails at once with *ConcurrentGenerationError and leaves the
// running generation alone.
func (c *Controller) Generate(ctx context.Context, job Job) (Result, error) {
	runCtx, err := c.reserve(ctx, job.ID, nil)
	if err != nil {
		return Result{}, err
	}
	return c.run(runCtx, job)
}

// Start reserves the controller for job and runs it in the background.
// The returned channel yields exactly one Outcome.
func (c *Controller) Start(ctx context.Context, job Job) (<-chan Outcome, error) {
	return c.start(ctx, job, nil)
}

// start is Start with a hook that runs while the reservation is still
// locked, before the generation can make progress.
func (c *Controller) start(ctx context.Context, job Job, reserved func()) (<-chan Outcome, error) {
	runCtx, err := c.reserve(ctx, job.ID, reserved)
	if err != nil {
		return nil, err
	}
	done := make(chan Outcome, 1)
	go func() {
		defer close(done)
		res, err := c.run(runCtx, job)
		done <- Outcome{Result: res, Err: err}
	}()
	return done, nil
}

func (c *Controller) reserve(ctx context.Context, id string, reserved func()) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return nil, &ConcurrentGenerationError{InFlightID: c.currentID}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	c.busy = true
	c.currentID = id
	c.cancel = cancel
	c.state = StateAttempting
	if reserved != nil {
		reserved()
	}
	return runCtx, nil
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel(nil)
	}
	c.busy = false
	c.cancel = nil
}

func (c *Controller) run(runCtx context.Context, job Job) (Result, error) {
	defer c.release()

	log := c.logger.WithField("report_id", job.ID)

	if err := job.validate(); err != nil {
		c.reporter.begin(job.ID, 1)
		return Result{}, c.finish(log, job.ID, StateFailed, err)
	}

	var (
		attempts int
		lastErr  error
		result   Result
	)
	op := func() error {
		attempts++
		c.setState(StateAttempting)
		c.reporter.begin(job.ID, attempts)
		res, err := c.attempt(runCtx, job, log.WithField("attempt", attempts))
		if err == nil {
			result = res
			return nil
		}
		lastErr = err
		if runCtx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithField("attempt", attempts).Warn("report attempt failed")
		return err
	}
	notify := func(err error, next time.Duration) {
		c.setState(StateRetrying)
		log.WithFields(logrus.Fields{
			"attempt":  attempts + 1,
			"delay_ms": next.Milliseconds(),
		}).Info("retrying report generation")
		c.reporter.retrying(attempts+1, next)
	}

	err := backoff.RetryNotify(op, c.policy.backOff(runCtx), notify)
	if err == nil {
		result.ID = job.ID
		result.Attempts = attempts
		c.reporter.complete(result.Pages, result.Warnings)
		c.setState(StateSucceeded)
		log.WithFields(logrus.Fields{
			"attempts": attempts,
			"pages":    result.Pages,
			"fallback": result.Fallback,
		}).Info("report generated")
		return result, nil
	}

	switch {
	case runCtx.Err() != nil:
		cause := context.Cause(runCtx)
		if !errors.Is(cause, ErrCancelled) {
			cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
		}
		return Result{}, c.finish(log, job.ID, StateCancelled, cause)
	case lastErr != nil && !IsRetryable(lastErr):
		return Result{}, c.finish(log, job.ID, StateFailed, lastErr)
	default:
		if lastErr == nil {
			lastErr = err
		}
		return Result{}, c.finish(log, job.ID, StateExhausted, &ExhaustedRetriesError{Attempts: attempts, Last: lastErr})
	}
}

func (c *Controller) finish(log logrus.FieldLogger, id string, state State, err error) error {
	c.setState(state)
	c.reporter.fail(id, PublicMessage(err))
	log.WithError(err).WithField("state", state.String()).Error("report generation failed")
	return err
}

// attempt runs one capture, split, assemble, serialize, verify and deliver pass.
func (c *Controller) attempt(parent context.Context, job Job, log logrus.FieldLogger) (Result, error) {
	ctx := parent
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.policy.AttemptTimeout)
		defer cancel()
	}

	c.reporter.checkpoint(ProgressCaptureStart)
	frame, err := c.capturer.Capture(ctx, job.Surface, job.Capture)
	if err != nil {
		return Result{}, attemptError(parent, ctx, err)
	}
	if frame.WidthPx <= 0 || frame.HeightPx <= 0 {
		return Result{}, &CaptureError{
			Reason:    fmt.Sprintf("capture produced a %dx%d image", frame.WidthPx, frame.HeightPx),
			Transient: true,
		}
	}

	raster, fallback := DecodeFrame(frame, job.Capture)
	defer raster.Release()
	var warnings []string
	if fallback {
		log.Warn("captured image unusable, using placeholder")
		warnings = append(warnings, "The captured view could not be encoded; a placeholder was used.")
	}
	c.reporter.checkpoint(ProgressCaptureDone)

	slices, err := Split(raster.WidthPx, raster.HeightPx, job.Geometry)
	if err != nil {
		return Result{}, err
	}
	c.reporter.checkpoint(ProgressSplitDone)

	doc, err := NewDocument(job.Geometry, job.Meta)
	if err != nil {
		return Result{}, err
	}
	defer doc.Close()
	for i, s := range slices {
		if err := ctx.Err(); err != nil {
			return Result{}, attemptError(parent, ctx, err)
		}
		if err := doc.AddSlice(i, s, raster, job.Quality); err != nil {
			var asm *AssemblyError
			if !errors.As(err, &asm) {
				return Result{}, err
			}
			log.WithError(err).WithField("page", i+1).Warn("skipping page")
			warnings = append(warnings, asm.Error())
		}
	}
	c.reporter.checkpoint(ProgressAssembled)

	data, err := doc.Serialize()
	if err != nil {
		return Result{}, err
	}
	raster.Release()
	c.reporter.checkpoint(ProgressFinalized)

	if c.verifier != nil {
		if err := c.verifier.Verify(data, doc.Pages()); err != nil {
			return Result{}, err
		}
	}

	result := Result{
		Data:     data,
		Filename: job.Filename,
		MimeType: MimeTypePDF,
		Pages:    doc.Pages(),
		Fallback: fallback,
		Warnings: warnings,
	}
	if c.sink != nil {
		loc, err := c.sink.Deliver(ctx, Artifact{Filename: job.Filename, MimeType: MimeTypePDF, Data: data})
		if err != nil {
			return Result{}, attemptError(parent, ctx, fmt.Errorf("deliver: %w", err))
		}
		result.Location = loc
	}
	return result, nil
}

// attemptError turns an expired per-attempt deadline into a retryable
// capture timeout while leaving cancellation of the whole run terminal.
func attemptError(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &CaptureError{Reason: "attempt timed out", Transient: true, Err: err}
	}
	return err
}
