package search

import "time"

// Result is a single archived report returned to the caller.
type Result struct {
	ID         string    `json:"id"`
	EntityKind string    `json:"entityKind"`
	EntityID   string    `json:"entityId,omitempty"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	Pages      int       `json:"pages"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterKind   string // empty = all entity kinds
	FilterStatus string
	Limit        int
	Offset       int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search over the report archive.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push reports into a search index.
type Indexer interface {
	IndexReport(r ReportRecord) error
}

var (
	_ Searcher = (*Meili)(nil)
	_ Searcher = (*History)(nil)
	_ Indexer  = (*Meili)(nil)
)

// ReportRecord is the data we index for a generated report.
type ReportRecord struct {
	ID         string `json:"id"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId"`
	Name       string `json:"name"`
	Title      string `json:"title"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Pages      int    `json:"pages"`
	CreatedAt  int64  `json:"createdAt"`
}

func (r ReportRecord) result() Result {
	return Result{
		ID:         r.ID,
		EntityKind: r.EntityKind,
		EntityID:   r.EntityID,
		Title:      firstNonBlank(r.Title, r.Name, r.Filename),
		Snippet:    firstNonBlank(r.Name, r.Filename),
		Filename:   r.Filename,
		Status:     r.Status,
		Pages:      r.Pages,
		CreatedAt:  time.Unix(r.CreatedAt, 0).UTC(),
	}
}
