package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Loader reads every searchable record from the system of record.
type Loader interface {
	LoadAllRecords(ctx context.Context) ([]DocumentRecord, []AcceptanceRecord, error)
}

// Service is the facade that tries the primary index first and falls back to
// Postgres full-text search.
type Service struct {
	primary  Searcher
	index    Indexer
	fallback Searcher
	loader   Loader
	logger   logrus.FieldLogger
}

// NewService wires Meilisearch and PgFTS. meili may be nil when it is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger logrus.FieldLogger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.primary = meili
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search uses the primary index when healthy, otherwise the fallback.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.WithError(err).Warn("search: meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.WithError(err).Error("search: pgfts error")
		return Response{Results: []Result{}, Query: q.Text, Engine: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "pgfts"}
}

// IndexDocument pushes a document to the index in the background.
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexDocument(doc); err != nil {
			s.logger.WithError(err).WithField("document_id", doc.ID).Warn("search: index document")
		}
	}()
}

func (s *Service) IndexAcceptance(a AcceptanceRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexAcceptance(a); err != nil {
			s.logger.WithError(err).WithField("document_id", a.DocumentID).Warn("search: index acceptance")
		}
	}()
}

func (s *Service) DeleteDocument(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteDocument(id); err != nil {
			s.logger.WithError(err).WithField("document_id", id).Warn("search: delete document")
		}
	}()
}

// ReindexAll pushes every record from Postgres into the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexReady() || s.loader == nil {
		return
	}
	documents, acceptances, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("search: reindex load failed")
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		s.logger.WithError(err).Warn("search: reindex documents")
	}
	if err := s.index.IndexAcceptances(acceptances); err != nil {
		s.logger.WithError(err).Warn("search: reindex acceptances")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
