// Package thread assigns reply-tree coordinates to new comments and rebuilds
// reply trees from (thread, order) sorted comment lists.
package thread

import (
	"context"
	"errors"
	"fmt"

	"threadline/api/internal/store"
)

var (
	ErrMaxDepthExceeded = errors.New("maximum thread depth exceeded")
	ErrParentMismatch   = errors.New("parent comment belongs to another target")
)

// MaxDepthExceededError carries the configured limit for display.
type MaxDepthExceededError struct {
	TargetType string
	Limit      int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("%s: %s allows %d levels", ErrMaxDepthExceeded, e.TargetType, e.Limit)
}

func (e *MaxDepthExceededError) Is(target error) bool {
	return target == ErrMaxDepthExceeded
}

// DepthPolicy returns the number of levels a thread on the given target type
// may have. A thread limited to 2 holds top-level comments and one level of
// replies; 0 disables replies.
type DepthPolicy interface {
	MaxDepthFor(targetType string) int
}

// Limits is the configured DepthPolicy.
type Limits struct {
	Default int
	PerType map[string]int
}

func (l Limits) MaxDepthFor(targetType string) int {
	if limit, ok := l.PerType[targetType]; ok {
		return limit
	}
	return l.Default
}

// Coords positions a comment in its thread. ThreadID is 0 for a new thread;
// the store assigns the new comment's own id.
type Coords struct {
	ThreadID int64
	Level    int
	Order    int
}

// Tx is the store view held for a single placement. Implementations must
// serialize placements on the same target for the lifetime of the Tx.
type Tx interface {
	// LastOrder returns the highest order used on target, 0 when empty.
	LastOrder(ctx context.Context, target store.Target) (int, error)
	// LastOrderInSubtree returns the highest order inside parent's subtree,
	// parent.Order when it has no replies.
	LastOrderInSubtree(ctx context.Context, parent store.Comment) (int, error)
	// ShiftOrders adds one to every order >= from in the thread.
	ShiftOrders(ctx context.Context, threadID int64, from int) error
	Insert(ctx context.Context, comment store.Comment) (store.Comment, error)
}

type Placer struct {
	depth DepthPolicy
}

func NewPlacer(depth DepthPolicy) *Placer {
	return &Placer{depth: depth}
}

func (p *Placer) MaxDepthFor(targetType string) int {
	return p.depth.MaxDepthFor(targetType)
}

// CanReply returns a *MaxDepthExceededError when parent may not receive
// replies.
func (p *Placer) CanReply(parent store.Comment) error {
	limit := p.depth.MaxDepthFor(parent.Target.Type)
	if parent.Level+1 >= limit {
		return &MaxDepthExceededError{TargetType: parent.Target.Type, Limit: limit}
	}
	return nil
}

// Place computes the coordinates for a new comment on target. It only reads
// from tx.
func (p *Placer) Place(ctx context.Context, tx Tx, target store.Target, parent *store.Comment) (Coords, error) {
	if parent == nil {
		last, err := tx.LastOrder(ctx, target)
		if err != nil {
			return Coords{}, fmt.Errorf("read last order: %w", err)
		}
		return Coords{Level: 0, Order: last + 1}, nil
	}

	if parent.Target != target {
		return Coords{}, ErrParentMismatch
	}
	if err := p.CanReply(*parent); err != nil {
		return Coords{}, err
	}
	last, err := tx.LastOrderInSubtree(ctx, *parent)
	if err != nil {
		return Coords{}, fmt.Errorf("read subtree of %d: %w", parent.ID, err)
	}
	return Coords{
		ThreadID: parent.ThreadID,
		Level:    parent.Level + 1,
		Order:    last + 1,
	}, nil
}

// Commit places comment under parent and inserts it. Nothing is written when
// placement fails.
func (p *Placer) Commit(ctx context.Context, tx Tx, comment store.Comment, parent *store.Comment) (store.Comment, error) {
	coords, err := p.Place(ctx, tx, comment.Target, parent)
	if err != nil {
		return store.Comment{}, err
	}
	if parent != nil {
		if err := tx.ShiftOrders(ctx, coords.ThreadID, coords.Order); err != nil {
			return store.Comment{}, fmt.Errorf("shift thread %d: %w", coords.ThreadID, err)
		}
		comment.ParentID = parent.ID
	} else {
		comment.ParentID = 0
	}
	comment.ThreadID = coords.ThreadID
	comment.Level = coords.Level
	comment.Order = coords.Order
	return tx.Insert(ctx, comment)
}
