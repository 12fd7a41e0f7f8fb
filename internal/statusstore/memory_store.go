package statusstore

import (
	"context"
	"sync"
	"time"

	"trafficdash/api/internal/export"
)

type memoryEntry struct {
	status    export.GenerationStatus
	expiresAt time.Time
}

type memoryWatch struct {
	id  string
	out chan export.GenerationStatus
}

// MemoryStore is the in-process Store used when Redis is not configured.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	watchers map[*memoryWatch]struct{}
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{
		entries:  make(map[string]memoryEntry),
		watchers: make(map[*memoryWatch]struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Save stores the status and hands it to the watchers of that report.
// A watcher whose buffer is full misses the update.
func (s *MemoryStore) Save(_ context.Context, status export.GenerationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
	s.entries[status.ID] = memoryEntry{status: status, expiresAt: now.Add(s.ttl)}
	for w := range s.watchers {
		if w.id != status.ID {
			continue
		}
		select {
		case w.out <- status:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (export.GenerationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || s.now().After(e.expiresAt) {
		return export.GenerationStatus{}, ErrNotFound
	}
	return e.status, nil
}

// Watch streams updates for one report until ctx is done or the report
// reaches a terminal state.
func (s *MemoryStore) Watch(ctx context.Context, id string) (<-chan export.GenerationStatus, error) {
	w := &memoryWatch{id: id, out: make(chan export.GenerationStatus, 16)}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	out := make(chan export.GenerationStatus)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case status := <-w.out:
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
				if status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}
