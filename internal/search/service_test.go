package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus/hooks/test"

	"threadline/api/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	results []Result
	err     error
	calls   int
	indexed chan []CommentRecord
	deleted chan string
}

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results, len(f.results), f.err
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexComments(records []CommentRecord) error {
	f.indexed <- records
	return nil
}

func (f *fakeIndex) DeleteComment(id string) error {
	f.deleted <- id
	return nil
}

type fakeLoader struct{ records []CommentRecord }

func (f fakeLoader) LoadPublic(context.Context) ([]CommentRecord, error) {
	return f.records, nil
}

func newTestService(primary PrimaryIndex, fallback Searcher) *Service {
	logger, _ := test.NewNullLogger()
	return NewService(primary, fallback, logger)
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{CommentID: 1}}}
	fallback := &fakeIndex{healthy: true, results: []Result{{CommentID: 2}}}

	resp := newTestService(primary, fallback).Search(context.Background(), Query{Text: "go"})
	if len(resp.Results) != 1 || resp.Results[0].CommentID != 1 || fallback.calls != 0 {
		t.Fatalf("expected primary results only, got %+v (fallback calls %d)", resp.Results, fallback.calls)
	}
}

func TestSearchFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		primary *fakeIndex
	}{
		{name: "unhealthy primary", primary: &fakeIndex{healthy: false}},
		{name: "failing primary", primary: &fakeIndex{healthy: true, err: errors.New("timeout")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &fakeIndex{healthy: true, results: []Result{{CommentID: 2}}}
			resp := newTestService(tt.primary, fallback).Search(context.Background(), Query{Text: "go"})
			if len(resp.Results) != 1 || resp.Results[0].CommentID != 2 {
				t.Fatalf("expected fallback results, got %+v", resp.Results)
			}
		})
	}
}

func TestSearchWithoutBackendsReturnsEmpty(t *testing.T) {
	resp := newTestService(nil, nil).Search(context.Background(), Query{Text: "go"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "go" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestIndexCommentSkipsHiddenComments(t *testing.T) {
	primary := &fakeIndex{healthy: true, indexed: make(chan []CommentRecord, 1), deleted: make(chan string, 1)}
	svc := newTestService(primary, nil)

	svc.IndexComment(store.Comment{ID: 1, IsPublic: false})
	svc.IndexComment(store.Comment{
		ID:         2,
		Target:     store.Target{Type: "blog.post", ID: "9"},
		ThreadID:   2,
		UserName:   "Ann",
		Body:       "hello",
		SubmitDate: time.Unix(100, 0),
		IsPublic:   true,
	})

	select {
	case records := <-primary.indexed:
		want := CommentRecord{ID: "2", TargetType: "blog.post", TargetID: "9", ThreadID: 2, UserName: "Ann", Body: "hello", SubmitDate: 100}
		if len(records) != 1 || records[0] != want {
			t.Fatalf("indexed %+v, want %+v", records, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("comment was not indexed")
	}

	svc.DeleteComment(2)
	select {
	case id := <-primary.deleted:
		if id != "2" {
			t.Fatalf("deleted %q, want 2", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("comment was not deleted")
	}
}

func TestReindexPushesLoadedRecords(t *testing.T) {
	primary := &fakeIndex{healthy: true, indexed: make(chan []CommentRecord, 1)}
	newTestService(primary, nil).Reindex(context.Background(), fakeLoader{records: []CommentRecord{{ID: "1"}, {ID: "2"}}})
	if records := <-primary.indexed; len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"12"`),
		"targetType": json.RawMessage(`"blog.post"`),
		"targetId":   json.RawMessage(`"3"`),
		"threadId":   json.RawMessage(`10`),
		"userName":   json.RawMessage(`"Ann"`),
		"body":       json.RawMessage(`"hello world"`),
		"submitDate": json.RawMessage(`100`),
		"_formatted": json.RawMessage(`{"body":"hello <mark>world</mark>","threadId":"10"}`),
	}
	r := hitToResult(hit)
	if r.CommentID != 12 || r.ThreadID != 10 || r.TargetID != "3" || r.UserName != "Ann" {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Snippet != "hello <mark>world</mark>" {
		t.Fatalf("expected highlighted snippet, got %q", r.Snippet)
	}
	if !r.SubmitDate.Equal(time.Unix(100, 0)) {
		t.Fatalf("unexpected submit date %v", r.SubmitDate)
	}
}

func TestTargetFilter(t *testing.T) {
	got := targetFilter(Query{Target: store.Target{Type: "blog.post", ID: "3"}})
	if len(got) != 2 || got[0] != `targetType = "blog.post"` || got[1] != `targetId = "3"` {
		t.Fatalf("unexpected filter %v", got)
	}
	if got := targetFilter(Query{}); len(got) != 0 {
		t.Fatalf("expected no filter, got %v", got)
	}
}
