package search

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries Meilisearch first and falls back to the
// run history.
type Service struct {
	meili   *Meili
	history *History
	logger  logrus.FieldLogger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, history *History, logger logrus.FieldLogger) *Service {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Service{meili: meili, history: history, logger: logger.WithField("component", "search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to the history store.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WithError(err).Warn("meilisearch error, falling back to history")
	}

	if s.history == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.history.Search(q)
	if err != nil {
		s.logger.WithError(err).Error("history search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexReport indexes a report (fire-and-forget to Meilisearch).
func (s *Service) IndexReport(r ReportRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexReport(r); err != nil {
			s.logger.WithError(err).WithField("report_id", r.ID).Warn("index report")
		}
	}()
}

// ReindexFromHistory pushes recent history rows into Meilisearch. Called at
// startup once the index is reachable.
func (s *Service) ReindexFromHistory(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.history == nil {
		return
	}
	records, err := s.history.LoadAllRecords(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.meili.IndexReports(records); err != nil {
		s.logger.WithError(err).Warn("reindex reports")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
