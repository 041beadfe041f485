package thread

import (
	"errors"
	"testing"

	"threadline/api/internal/store"
)

func node(id, thread, parent int64, level, order int) store.Comment {
	return store.Comment{ID: id, ThreadID: thread, ParentID: parent, Level: level, Order: order, IsPublic: true}
}

func ids(comments []store.Comment) []int64 {
	out := make([]int64, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuildAttachesRepliesToParents(t *testing.T) {
	comments := []store.Comment{
		node(1, 1, 0, 0, 1),
		node(2, 1, 1, 1, 2),
		node(4, 1, 2, 2, 3),
		node(3, 1, 1, 1, 4),
		node(5, 5, 0, 0, 5),
	}
	forest, err := Build(comments)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(forest) != 2 {
		t.Fatalf("expected 2 trees, got %d", len(forest))
	}
	root := forest[0]
	if len(root.Children) != 2 || root.Children[0].Comment.ID != 2 || root.Children[1].Comment.ID != 3 {
		t.Fatalf("unexpected children of 1: %+v", root.Children)
	}
	if len(root.Children[0].Children) != 1 || root.Children[0].Children[0].Comment.ID != 4 {
		t.Fatalf("expected 4 under 2")
	}
	if len(forest[1].Children) != 0 {
		t.Fatalf("expected second thread to have no replies")
	}

	if got := ids(Flatten(forest)); !equalIDs(got, []int64{1, 2, 4, 3, 5}) {
		t.Fatalf("Flatten = %v", got)
	}
}

func TestBuildEmpty(t *testing.T) {
	forest, err := Build(nil)
	if err != nil {
		t.Fatalf("Build(nil): %v", err)
	}
	if forest == nil || len(forest) != 0 {
		t.Fatalf("expected an empty forest, got %#v", forest)
	}
}

func TestBuildSubtreeUsesFirstLevelAsRoot(t *testing.T) {
	comments := []store.Comment{
		node(2, 1, 1, 1, 2),
		node(4, 1, 2, 2, 3),
		node(3, 1, 1, 1, 4),
	}
	forest, err := Build(comments)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(forest) != 2 || forest[0].Comment.ID != 2 || forest[1].Comment.ID != 3 {
		t.Fatalf("unexpected roots: %v", ids(Flatten(forest)))
	}
}

func TestBuildRejectsInvalidOrdering(t *testing.T) {
	tests := []struct {
		name     string
		comments []store.Comment
	}{
		{
			name:     "reply before its parent",
			comments: []store.Comment{node(1, 1, 0, 0, 1), node(3, 1, 2, 2, 2), node(2, 1, 1, 1, 3)},
		},
		{
			name:     "parent in a closed tree",
			comments: []store.Comment{node(1, 1, 0, 0, 1), node(5, 5, 0, 0, 2), node(2, 1, 1, 1, 3)},
		},
		{
			name:     "level skips",
			comments: []store.Comment{node(1, 1, 0, 0, 1), node(2, 1, 1, 2, 2)},
		},
		{
			name:     "level below root",
			comments: []store.Comment{node(2, 1, 1, 1, 2), node(1, 1, 0, 0, 3)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.comments); !errors.Is(err, ErrInvalidOrdering) {
				t.Fatalf("expected ErrInvalidOrdering, got %v", err)
			}
		})
	}
}

func TestBuildIsStable(t *testing.T) {
	comments := []store.Comment{
		node(1, 1, 0, 0, 1),
		node(2, 1, 1, 1, 2),
		node(3, 1, 2, 2, 3),
		node(6, 6, 0, 0, 4),
		node(7, 6, 6, 1, 5),
	}
	first, err := Build(comments)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := Build(Flatten(first))
	if err != nil {
		t.Fatalf("Build(Flatten): %v", err)
	}
	if !equalIDs(ids(Flatten(first)), ids(Flatten(second))) {
		t.Fatalf("rebuild changed the walk")
	}
	if !equalIDs(ids(Flatten(first)), ids(comments)) {
		t.Fatalf("walk differs from input order")
	}
}

func TestPruneDropsHiddenSubtrees(t *testing.T) {
	hidden := node(2, 1, 1, 1, 2)
	hidden.IsPublic = false
	comments := []store.Comment{
		node(1, 1, 0, 0, 1),
		hidden,
		node(3, 1, 2, 2, 3),
		node(4, 1, 1, 1, 4),
	}
	forest, err := Build(comments)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	kept := Prune(forest, store.Comment.Visible)
	if got := ids(Flatten(kept)); !equalIDs(got, []int64{1, 4}) {
		t.Fatalf("Prune kept %v, want [1 4]", got)
	}
}
