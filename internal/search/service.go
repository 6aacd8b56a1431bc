package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Index is a searchable index that can also be written to.
type Index interface {
	Searcher
	Indexer
}

// Service is the facade that tries the primary index first and falls back to
// Postgres full-text search.
type Service struct {
	primary  Index
	fallback Searcher
	log      zerolog.Logger
}

// NewService creates a search service. primary may be nil when Meilisearch is
// not configured.
func NewService(primary Index, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, log: log}
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("primary search failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexScript indexes a document head without waiting for the index.
func (s *Service) IndexScript(rec ScriptRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexScript(rec); err != nil {
			s.log.Warn().Err(err).Str("document_id", rec.ID).Msg("index script")
		}
	}()
}

// DeleteScript removes a document from the index without waiting.
func (s *Service) DeleteScript(documentID string) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteScript(documentID); err != nil {
			s.log.Warn().Err(err).Str("document_id", documentID).Msg("delete script")
		}
	}()
}

// ReindexAll pushes records into the primary index.
func (s *Service) ReindexAll(records []ScriptRecord) {
	if s.primary == nil || !s.primary.Healthy() || len(records) == 0 {
		return
	}
	if err := s.primary.IndexScripts(records); err != nil {
		s.log.Warn().Err(err).Msg("reindex scripts")
	}
}

// ReindexAllFromPG reindexes every document head stored in Postgres.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if s.primary == nil || !s.primary.Healthy() || pg == nil {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("reindex load failed")
		return
	}
	s.ReindexAll(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
