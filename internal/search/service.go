package search

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"threadline/api/internal/store"
)

// PrimaryIndex is a searcher that also accepts writes, i.e. Meili.
type PrimaryIndex interface {
	Searcher
	Indexer
}

// Loader returns the records for a full reindex, i.e. PgFTS.
type Loader interface {
	LoadPublic(ctx context.Context) ([]CommentRecord, error)
}

// Service is the facade that tries the primary index first and falls back to
// PG FTS. Either side may be nil.
type Service struct {
	primary  PrimaryIndex
	fallback Searcher
	log      logrus.FieldLogger
}

func NewService(primary PrimaryIndex, fallback Searcher, log logrus.FieldLogger) *Service {
	return &Service{primary: primary, fallback: fallback, log: log}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("primary search failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a visible comment (fire-and-forget to the primary).
func (s *Service) IndexComment(c store.Comment) {
	if !s.primaryReady() || !c.Visible() {
		return
	}
	go func() {
		if err := s.primary.IndexComments([]CommentRecord{RecordFromComment(c)}); err != nil {
			s.log.WithError(err).WithField("comment_id", c.ID).Warn("index comment")
		}
	}()
}

// DeleteComment removes a comment from the primary index (fire-and-forget).
func (s *Service) DeleteComment(id int64) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteComment(strconv.FormatInt(id, 10)); err != nil {
			s.log.WithError(err).WithField("comment_id", id).Warn("delete comment from index")
		}
	}()
}

// Reindex pushes every record from loader into the primary index.
func (s *Service) Reindex(ctx context.Context, loader Loader) {
	if !s.primaryReady() || loader == nil {
		return
	}
	records, err := loader.LoadPublic(ctx)
	if err != nil {
		s.log.WithError(err).Error("reindex load failed")
		return
	}
	if err := s.primary.IndexComments(records); err != nil {
		s.log.WithError(err).Error("reindex comments")
		return
	}
	s.log.WithField("count", len(records)).Info("comments reindexed")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
