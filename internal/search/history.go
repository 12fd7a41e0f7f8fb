package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trafficdash/api/internal/store"
)

const maxHistoryScan = 200

// History implements Searcher over the run history table. It is the
// fallback when Meilisearch is not configured or unreachable, and matches
// with ILIKE instead of ranking.
type History struct {
	runs    store.RunStore
	timeout time.Duration
}

// NewHistory creates a history searcher.
func NewHistory(runs store.RunStore) *History {
	return &History{runs: runs, timeout: 5 * time.Second}
}

// Healthy always returns true; the history store is required at startup.
func (h *History) Healthy() bool {
	return true
}

func (h *History) Search(q Query) ([]Result, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	// ListRuns has no offset; page over the newest matches in memory.
	limit := q.limit()
	offset := max(q.Offset, 0)
	runs, err := h.runs.ListRuns(ctx, store.RunFilter{
		EntityKind: q.FilterKind,
		Query:      q.Text,
		Limit:      maxHistoryScan,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("history search: %w", err)
	}

	results := make([]Result, 0, len(runs))
	for _, run := range runs {
		if q.FilterStatus != "" && string(run.Status) != q.FilterStatus {
			continue
		}
		results = append(results, RecordFromRun(run).result())
	}
	total := len(results)
	if offset >= len(results) {
		return []Result{}, total, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

// LoadAllRecords returns the most recent runs for a full reindex.
func (h *History) LoadAllRecords(ctx context.Context) ([]ReportRecord, error) {
	runs, err := h.runs.ListRuns(ctx, store.RunFilter{Limit: maxHistoryScan})
	if err != nil {
		return nil, fmt.Errorf("load report runs: %w", err)
	}
	records := make([]ReportRecord, 0, len(runs))
	for _, run := range runs {
		records = append(records, RecordFromRun(run))
	}
	return records, nil
}

// RecordFromRun converts a history row into its index document.
func RecordFromRun(run store.Run) ReportRecord {
	return ReportRecord{
		ID:         run.ID,
		EntityKind: run.EntityKind,
		EntityID:   run.EntityID,
		Name:       run.Name,
		Title:      run.Title,
		Filename:   run.Filename,
		Status:     string(run.Status),
		Pages:      run.Pages,
		CreatedAt:  run.CreatedAt.Unix(),
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
