package app

import (
	"context"
	"fmt"
	"sync"

	"threadline/api/internal/store"
)

// TargetAccessor reports whether an object of one target type exists.
// *store.TableTarget satisfies it.
type TargetAccessor interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// AnyTarget accepts every id. It backs deployments that do not own the
// commented objects.
type AnyTarget struct{}

func (AnyTarget) Exists(context.Context, string) (bool, error) {
	return true, nil
}

// TargetRegistry maps target types to accessors. Unknown types resolve
// through the fallback when one is set.
type TargetRegistry struct {
	mu        sync.RWMutex
	accessors map[string]TargetAccessor
	fallback  TargetAccessor
}

func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{accessors: make(map[string]TargetAccessor)}
}

func (r *TargetRegistry) Register(targetType string, accessor TargetAccessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessors[targetType] = accessor
}

func (r *TargetRegistry) SetFallback(accessor TargetAccessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = accessor
}

// Resolve returns ErrTargetNotFound when target is unknown or missing.
func (r *TargetRegistry) Resolve(ctx context.Context, target store.Target) error {
	if target.IsZero() {
		return ErrTargetNotFound
	}
	r.mu.RLock()
	accessor, ok := r.accessors[target.Type]
	if !ok {
		accessor = r.fallback
	}
	r.mu.RUnlock()
	if accessor == nil {
		return ErrTargetNotFound
	}
	exists, err := accessor.Exists(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("resolve target %s: %w", target, err)
	}
	if !exists {
		return ErrTargetNotFound
	}
	return nil
}

// ModerationPolicy decides whether a comment is public on arrival.
type ModerationPolicy interface {
	AutoPublish(comment store.Comment) bool
}

type PublishAll struct{}

func (PublishAll) AutoPublish(store.Comment) bool {
	return true
}

// ModerateTypes holds comments on the listed target types for review.
type ModerateTypes map[string]struct{}

func NewModerateTypes(types []string) ModerateTypes {
	out := make(ModerateTypes, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

func (m ModerateTypes) AutoPublish(c store.Comment) bool {
	_, held := m[c.Target.Type]
	return !held
}

// Veto inspects a draft before it moves on. Returning false discards it.
type Veto func(ctx context.Context, draft store.Draft) bool

type vetoChain struct {
	mu    sync.RWMutex
	vetos []Veto
}

func (c *vetoChain) add(v Veto) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vetos = append(c.vetos, v)
}

// allow runs the vetoes in registration order and stops at the first
// rejection.
func (c *vetoChain) allow(ctx context.Context, draft store.Draft) bool {
	c.mu.RLock()
	vetos := c.vetos
	c.mu.RUnlock()
	for _, v := range vetos {
		if !v(ctx, draft) {
			return false
		}
	}
	return true
}
