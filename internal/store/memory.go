package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// RunStore is the report history. PostgresStore and MemoryStore implement it.
type RunStore interface {
	RecordRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, id string, outcome RunOutcome) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	Ping(ctx context.Context) error
}

var (
	_ RunStore = (*PostgresStore)(nil)
	_ RunStore = (*MemoryStore)(nil)
)

// MemoryStore keeps history in process, for deployments without DATABASE_URL.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) RecordRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id string, outcome RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	finishedAt := outcome.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}
	run.Status = outcome.Status
	run.Attempts = outcome.Attempts
	run.Pages = outcome.Pages
	run.Fallback = outcome.Fallback
	run.Error = outcome.Error
	run.LocationKind = outcome.LocationKind
	run.LocationURI = outcome.LocationURI
	run.SizeBytes = outcome.SizeBytes
	run.FinishedAt = &finishedAt
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	q := strings.ToLower(strings.TrimSpace(filter.Query))

	s.mu.RLock()
	items := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.EntityKind != "" && run.EntityKind != filter.EntityKind {
			continue
		}
		if filter.EntityID != "" && run.EntityID != filter.EntityID {
			continue
		}
		if q != "" && !containsFold(q, run.Name, run.Title, run.Filename) {
			continue
		}
		items = append(items, run)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit := filter.limit(); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func containsFold(needle string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}
