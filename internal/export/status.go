package export

import (
	"sync"
	"time"
)

// Progress checkpoints reported during one attempt.
const (
	ProgressAttemptStart = 0
	ProgressCaptureStart = 10
	ProgressCaptureDone  = 40
	ProgressSplitDone    = 60
	ProgressAssembled    = 80
	ProgressFinalized    = 90
	ProgressDelivered    = 100
)

// GenerationStatus is the state of a report generation as seen by the UI.
// A finished generation has IsGenerating=false and either Completed=true
// with an empty Error, or Completed=false with Error set.
type GenerationStatus struct {
	ID           string    `json:"id"`
	IsGenerating bool      `json:"isGenerating"`
	Progress     int       `json:"progress"`
	Error        string    `json:"error,omitempty"`
	Completed    bool      `json:"completed"`
	Retrying     bool      `json:"retrying"`
	Attempt      int       `json:"attempt"`
	NextRetryMs  int64     `json:"nextRetryMs,omitempty"`
	Pages        int       `json:"pages,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Terminal reports whether the generation has finished either way.
func (s GenerationStatus) Terminal() bool {
	return !s.IsGenerating && (s.Completed || s.Error != "")
}

// Observer receives every status update.
type Observer func(GenerationStatus)

type subscription struct {
	id int
	fn Observer
}

// Reporter holds the current status and fans updates out to observers.
// Observers run synchronously, in subscription order.
type Reporter struct {
	emitMu sync.Mutex // serializes notifications

	mu        sync.Mutex
	status    GenerationStatus
	observers []subscription
	nextID    int
	now       func() time.Time
}

// NewReporter returns a reporter with no observers.
func NewReporter() *Reporter {
	return &Reporter{now: time.Now}
}

// Subscribe registers fn and returns a function that removes it again.
// A nil fn is ignored.
func (r *Reporter) Subscribe(fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.observers = append(r.observers, subscription{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, sub := range r.observers {
				if sub.id == id {
					r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Current returns a copy of the latest status.
func (r *Reporter) Current() GenerationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.clone()
}

func (s GenerationStatus) clone() GenerationStatus {
	if s.Warnings != nil {
		s.Warnings = append([]string(nil), s.Warnings...)
	}
	return s
}

func (r *Reporter) update(mutate func(*GenerationStatus) bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if !mutate(&r.status) {
		r.mu.Unlock()
		return
	}
	r.status.UpdatedAt = r.now().UTC()
	snapshot := r.status.clone()
	observers := make([]Observer, 0, len(r.observers))
	for _, sub := range r.observers {
		observers = append(observers, sub.fn)
	}
	r.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot.clone())
	}
}

func (r *Reporter) begin(id string, attempt int) {
	r.update(func(s *GenerationStatus) bool {
		*s = GenerationStatus{
			ID:           id,
			IsGenerating: true,
			Progress:     ProgressAttemptStart,
			Attempt:      attempt,
			Retrying:     attempt > 1,
		}
		return true
	})
}

// checkpoint never lowers the progress of the running attempt.
func (r *Reporter) checkpoint(progress int) {
	r.update(func(s *GenerationStatus) bool {
		if !s.IsGenerating || progress <= s.Progress {
			return false
		}
		s.Progress = progress
		return true
	})
}

func (r *Reporter) retrying(nextAttempt int, delay time.Duration) {
	r.update(func(s *GenerationStatus) bool {
		s.IsGenerating = true
		s.Retrying = true
		s.Progress = ProgressAttemptStart
		s.Attempt = nextAttempt
		s.NextRetryMs = delay.Milliseconds()
		return true
	})
}

func (r *Reporter) complete(pages int, warnings []string) {
	r.update(func(s *GenerationStatus) bool {
		s.IsGenerating = false
		s.Retrying = false
		s.Completed = true
		s.Error = ""
		s.Progress = ProgressDelivered
		s.NextRetryMs = 0
		s.Pages = pages
		s.Warnings = append([]string(nil), warnings...)
		return true
	})
}

func (r *Reporter) fail(id string, message string) {
	r.update(func(s *GenerationStatus) bool {
		if s.ID != id {
			*s = GenerationStatus{ID: id}
		}
		s.IsGenerating = false
		s.Retrying = false
		s.Completed = false
		s.NextRetryMs = 0
		s.Error = message
		return true
	})
}
