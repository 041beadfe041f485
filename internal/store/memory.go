package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
)

// PlacementTx is the store view handed to a placement. It satisfies
// thread.Tx.
type PlacementTx interface {
	GetComment(ctx context.Context, id int64) (Comment, error)
	FindSubmission(ctx context.Context, draft Draft) (Comment, bool, error)
	LastOrder(ctx context.Context, target Target) (int, error)
	LastOrderInSubtree(ctx context.Context, parent Comment) (int, error)
	ShiftOrders(ctx context.Context, threadID int64, from int) error
	Insert(ctx context.Context, c Comment) (Comment, error)
}

// MemoryStore keeps comments in process. It backs tests and runs without
// DATABASE_URL.
type MemoryStore struct {
	mu       sync.Mutex
	comments []Comment
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Placement holds the store lock for the whole of fn and restores the
// previous state when fn fails.
func (s *MemoryStore) Placement(_ context.Context, target Target, fn func(PlacementTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := append([]Comment(nil), s.comments...)
	nextID := s.nextID
	if err := fn(memoryTx{s: s}); err != nil {
		s.comments = snapshot
		s.nextID = nextID
		return err
	}
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, id int64) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *MemoryStore) get(id int64) (Comment, error) {
	for _, c := range s.comments {
		if c.ID == id {
			return c, nil
		}
	}
	return Comment{}, sql.ErrNoRows
}

func (s *MemoryStore) ListByTarget(_ context.Context, target Target) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(c Comment) bool { return c.Target == target }), nil
}

func (s *MemoryStore) ListThread(_ context.Context, target Target, threadID int64) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(c Comment) bool { return c.Target == target && c.ThreadID == threadID }), nil
}

func (s *MemoryStore) filter(match func(Comment) bool) []Comment {
	items := make([]Comment, 0)
	for _, c := range s.comments {
		if match(c) {
			items = append(items, c)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ThreadID != items[j].ThreadID {
			return items[i].ThreadID < items[j].ThreadID
		}
		return items[i].Order < items[j].Order
	})
	return items
}

func (s *MemoryStore) SetFollowup(_ context.Context, target Target, threadID int64, email string, followup bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = NormalizeEmail(email)
	var changed int64
	for i, c := range s.comments {
		if c.Target != target || c.ThreadID != threadID || !c.Visible() {
			continue
		}
		if NormalizeEmail(c.UserEmail) != email || c.Followup == followup {
			continue
		}
		s.comments[i].Followup = followup
		changed++
	}
	return changed, nil
}

func (s *MemoryStore) SetVisibility(_ context.Context, id int64, isPublic, isRemoved bool) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.comments {
		if c.ID == id {
			s.comments[i].IsPublic = isPublic
			s.comments[i].IsRemoved = isRemoved
			return s.comments[i], nil
		}
	}
	return Comment{}, sql.ErrNoRows
}

func (s *MemoryStore) CountPublic(_ context.Context, target Target) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, c := range s.comments {
		if c.Target == target && c.Visible() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// memoryTx runs with MemoryStore.mu held.
type memoryTx struct {
	s *MemoryStore
}

func (t memoryTx) GetComment(_ context.Context, id int64) (Comment, error) {
	return t.s.get(id)
}

func (t memoryTx) FindSubmission(_ context.Context, draft Draft) (Comment, bool, error) {
	for _, c := range t.s.comments {
		if draft.SameSubmission(c) {
			return c, true, nil
		}
	}
	return Comment{}, false, nil
}

func (t memoryTx) LastOrder(_ context.Context, target Target) (int, error) {
	last := 0
	for _, c := range t.s.comments {
		if c.Target == target && c.Order > last {
			last = c.Order
		}
	}
	return last, nil
}

func (t memoryTx) LastOrderInSubtree(_ context.Context, parent Comment) (int, error) {
	next := -1
	last := parent.Order
	for _, c := range t.s.comments {
		if c.ThreadID != parent.ThreadID || c.Order <= parent.Order {
			continue
		}
		if c.Level <= parent.Level && (next < 0 || c.Order < next) {
			next = c.Order
		}
		if c.Order > last {
			last = c.Order
		}
	}
	if next >= 0 {
		return next - 1, nil
	}
	return last, nil
}

func (t memoryTx) ShiftOrders(_ context.Context, threadID int64, from int) error {
	for i, c := range t.s.comments {
		if c.ThreadID == threadID && c.Order >= from {
			t.s.comments[i].Order++
		}
	}
	return nil
}

func (t memoryTx) Insert(_ context.Context, c Comment) (Comment, error) {
	c.ID = t.s.nextID
	t.s.nextID++
	if c.ThreadID == 0 {
		c.ThreadID = c.ID
	}
	t.s.comments = append(t.s.comments, c)
	return c, nil
}
