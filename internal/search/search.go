// Package search finds public comments by text, through Meilisearch when it
// is reachable and PostgreSQL full-text search otherwise.
package search

import (
	"context"
	"strconv"
	"time"

	"threadline/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommentID  int64     `json:"commentId"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	ThreadID   int64     `json:"threadId"`
	UserName   string    `json:"userName"`
	Snippet    string    `json:"snippet"`
	SubmitDate time.Time `json:"submitDate"`
}

// Query describes a search request. An empty target matches every target.
type Query struct {
	Text   string
	Target store.Target
	Limit  int
	Offset int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComments(records []CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a public comment.
type CommentRecord struct {
	ID         string `json:"id"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	ThreadID   int64  `json:"threadId"`
	UserName   string `json:"userName"`
	Body       string `json:"body"`
	SubmitDate int64  `json:"submitDate"`
}

func RecordFromComment(c store.Comment) CommentRecord {
	return CommentRecord{
		ID:         strconv.FormatInt(c.ID, 10),
		TargetType: c.Target.Type,
		TargetID:   c.Target.ID,
		ThreadID:   c.ThreadID,
		UserName:   c.UserName,
		Body:       c.Body,
		SubmitDate: c.SubmitDate.Unix(),
	}
}
