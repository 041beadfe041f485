package thread

import (
	"errors"
	"fmt"

	"threadline/api/internal/store"
)

var ErrInvalidOrdering = errors.New("comments are not in thread pre-order")

type Node struct {
	Comment  store.Comment
	Children []*Node
}

// Build turns comments sorted by (ThreadID, Order) into a forest in a single
// pass. The first comment fixes the root level; every later comment at that
// level starts a new tree. Any other comment must find its parent in the tree
// currently open.
func Build(comments []store.Comment) ([]*Node, error) {
	forest := make([]*Node, 0)
	if len(comments) == 0 {
		return forest, nil
	}

	rootLevel := comments[0].Level
	var open map[int64]*Node
	for i := range comments {
		c := comments[i]
		node := &Node{Comment: c}

		if c.Level == rootLevel {
			forest = append(forest, node)
			open = map[int64]*Node{c.ID: node}
			continue
		}
		if c.Level < rootLevel {
			return nil, fmt.Errorf("%w: comment %d at level %d precedes root level %d", ErrInvalidOrdering, c.ID, c.Level, rootLevel)
		}

		parent, ok := open[c.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %d of comment %d not found in open thread", ErrInvalidOrdering, c.ParentID, c.ID)
		}
		if parent.Comment.Level+1 != c.Level {
			return nil, fmt.Errorf("%w: comment %d at level %d under parent %d at level %d", ErrInvalidOrdering, c.ID, c.Level, parent.Comment.ID, parent.Comment.Level)
		}
		parent.Children = append(parent.Children, node)
		open[c.ID] = node
	}
	return forest, nil
}

// Prune removes every node failing keep together with its subtree.
func Prune(forest []*Node, keep func(store.Comment) bool) []*Node {
	kept := make([]*Node, 0, len(forest))
	for _, node := range forest {
		if !keep(node.Comment) {
			continue
		}
		node.Children = Prune(node.Children, keep)
		kept = append(kept, node)
	}
	return kept
}

// Flatten walks the forest in pre-order.
func Flatten(forest []*Node) []store.Comment {
	out := make([]store.Comment, 0)
	var walk func([]*Node)
	walk = func(nodes []*Node) {
		for _, node := range nodes {
			out = append(out, node.Comment)
			walk(node.Children)
		}
	}
	walk(forest)
	return out
}
