// Package tree provides a named hierarchical node structure whose traversals
// fail with a CyclicalStructureError instead of looping when the tree has
// been wired into a cycle.
package tree

import (
	"strings"

	"github.com/conneroisu/treeline/internal/errors"
)

// Separator joins node names into paths.
const Separator = "."

// Node is a named tree node carrying a payload of type T. Children are kept in
// registration order.
type Node[T any] struct {
	name     string
	parent   *Node[T]
	children map[string]*Node[T]
	order    []string

	Value T
}

// New creates a detached node.
func New[T any](name string, value T) *Node[T] {
	return &Node[T]{
		name:     name,
		children: make(map[string]*Node[T]),
		Value:    value,
	}
}

// Name returns the node name.
func (n *Node[T]) Name() string { return n.name }

// Parent returns the parent node, or nil for a root.
func (n *Node[T]) Parent() *Node[T] { return n.parent }

// Children returns the child nodes in registration order.
func (n *Node[T]) Children() []*Node[T] {
	out := make([]*Node[T], 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}
	return out
}

// Child returns the child with the given name, or nil.
func (n *Node[T]) Child(name string) *Node[T] {
	return n.children[name]
}

// AddChild attaches child under n, detaching it from its previous parent.
// A child with the same name is replaced. Adding an ancestor of n (or n
// itself) fails with a CyclicalStructureError.
func (n *Node[T]) AddChild(child *Node[T]) error {
	if child == n {
		return errors.NewCyclicalStructureError(child.name, "add child")
	}
	isAncestor, err := child.IsAncestorOf(n)
	if err != nil {
		return err
	}
	if isAncestor {
		return errors.NewCyclicalStructureError(child.name, "add child")
	}

	if child.parent != nil {
		child.parent.RemoveChild(child)
	}

	if existing, ok := n.children[child.name]; ok && existing != child {
		n.RemoveChild(existing)
	}

	child.parent = n
	n.children[child.name] = child
	n.order = append(n.order, child.name)

	return nil
}

// RemoveChild detaches child from n. It is a no-op when child is not a child of n.
func (n *Node[T]) RemoveChild(child *Node[T]) {
	if current, ok := n.children[child.name]; !ok || current != child {
		return
	}

	delete(n.children, child.name)
	for i, name := range n.order {
		if name == child.name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	child.parent = nil
}

// FindByPath descends from n one dot-separated segment at a time. An empty
// path returns n.
func (n *Node[T]) FindByPath(path string) *Node[T] {
	if path == "" {
		return n
	}

	current := n
	for _, segment := range strings.Split(path, Separator) {
		current = current.Child(segment)
		if current == nil {
			return nil
		}
	}

	return current
}

// AncestorsIncludingSelf returns n followed by its parent chain up to the root.
func (n *Node[T]) AncestorsIncludingSelf() ([]*Node[T], error) {
	visited := make(map[*Node[T]]struct{})
	var out []*Node[T]

	for current := n; current != nil; current = current.parent {
		if _, seen := visited[current]; seen {
			return nil, errors.NewCyclicalStructureError(current.name, "ancestor walk")
		}
		visited[current] = struct{}{}
		out = append(out, current)
	}

	return out, nil
}

// Root returns the topmost ancestor of n.
func (n *Node[T]) Root() (*Node[T], error) {
	ancestors, err := n.AncestorsIncludingSelf()
	if err != nil {
		return nil, err
	}
	return ancestors[len(ancestors)-1], nil
}

// IsAncestorOf reports whether n is a strict ancestor of other.
func (n *Node[T]) IsAncestorOf(other *Node[T]) (bool, error) {
	visited := make(map[*Node[T]]struct{})

	for current := other.parent; current != nil; current = current.parent {
		if _, seen := visited[current]; seen {
			return false, errors.NewCyclicalStructureError(current.name, "ancestor check")
		}
		visited[current] = struct{}{}
		if current == n {
			return true, nil
		}
	}

	return false, nil
}

// Descendants returns every node below n in depth-first pre-order, following
// registration order among siblings.
func (n *Node[T]) Descendants() ([]*Node[T], error) {
	var out []*Node[T]
	inProgress := map[*Node[T]]struct{}{n: {}}

	var walk func(node *Node[T]) error
	walk = func(node *Node[T]) error {
		for _, child := range node.Children() {
			if _, seen := inProgress[child]; seen {
				return errors.NewCyclicalStructureError(child.name, "descendant walk")
			}
			inProgress[child] = struct{}{}
			out = append(out, child)
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(n); err != nil {
		return nil, err
	}

	return out, nil
}

// Walk calls fn for n and every descendant in pre-order.
func (n *Node[T]) Walk(fn func(*Node[T]) error) error {
	descendants, err := n.Descendants()
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, d := range descendants {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the dot-joined names from the root down to n. The root's own
// name is included so that paths read like "public.blog.Post".
func (n *Node[T]) Path() (string, error) {
	ancestors, err := n.AncestorsIncludingSelf()
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(ancestors))
	for i := len(ancestors) - 1; i >= 0; i-- {
		if ancestors[i].name == "" {
			continue
		}
		names = append(names, ancestors[i].name)
	}

	return strings.Join(names, Separator), nil
}

// Distance returns the number of edges between n and other, or -1 when they
// live in different trees.
func (n *Node[T]) Distance(other *Node[T]) (int, error) {
	mine, err := n.AncestorsIncludingSelf()
	if err != nil {
		return 0, err
	}
	theirs, err := other.AncestorsIncludingSelf()
	if err != nil {
		return 0, err
	}

	depth := make(map[*Node[T]]int, len(mine))
	for i, a := range mine {
		depth[a] = i
	}
	for j, b := range theirs {
		if i, ok := depth[b]; ok {
			return i + j, nil
		}
	}

	return -1, nil
}
