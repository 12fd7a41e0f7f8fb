package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one report generation as kept in the history table.
type Run struct {
	ID           string
	EntityKind   string
	EntityID     string
	Name         string
	Title        string
	Filename     string
	Status       RunStatus
	Attempts     int
	Pages        int
	Fallback     bool
	Error        string
	LocationKind string
	LocationURI  string
	SizeBytes    int64
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// RunOutcome is what FinishRun writes once a generation settles.
type RunOutcome struct {
	Status       RunStatus
	Attempts     int
	Pages        int
	Fallback     bool
	Error        string
	LocationKind string
	LocationURI  string
	SizeBytes    int64
	FinishedAt   time.Time
}

type RunFilter struct {
	EntityKind string
	EntityID   string
	Query      string
	Limit      int
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 200 {
		return 50
	}
	return f.Limit
}
