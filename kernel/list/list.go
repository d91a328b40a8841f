// Package list is a doubly-linked intrusive list.
//
// Nodes are embedded in the entity that owns them (a task, a timer) and carry a
// back-reference to it. A node is a member of at most one list at a time; the
// list never owns its nodes.
package list

// Node is a list link embedded in an owning entity.
type Node[T any] struct {
	prev  *Node[T]
	next  *Node[T]
	owner *T
}

// Init binds the node to its owner and clears its links.
func (n *Node[T]) Init(owner *T) {
	n.prev = nil
	n.next = nil
	n.owner = owner
}

// Owner returns the entity the node is embedded in.
func (n *Node[T]) Owner() *T { return n.owner }

// Next returns the following node, or nil at the tail.
func (n *Node[T]) Next() *Node[T] { return n.next }

// Prev returns the preceding node, or nil at the root.
func (n *Node[T]) Prev() *Node[T] { return n.prev }

// List is referenced by its root node. The zero value is an empty list.
type List[T any] struct {
	root *Node[T]
}

// Front returns the root node, or nil if the list is empty.
func (l *List[T]) Front() *Node[T] { return l.root }

// Empty reports whether the list has no nodes.
func (l *List[T]) Empty() bool { return l.root == nil }

// Len counts the nodes in the list. O(n).
func (l *List[T]) Len() int {
	n := 0
	for e := l.root; e != nil; e = e.next {
		n++
	}
	return n
}

// PushFront makes node the new root.
func (l *List[T]) PushFront(node *Node[T]) {
	if l.root != nil {
		l.root.prev = node
	}
	node.next = l.root
	node.prev = nil
	l.root = node
}

// PushBack appends node at the tail. O(n).
func (l *List[T]) PushBack(node *Node[T]) {
	node.next = nil
	if l.root == nil {
		node.prev = nil
		l.root = node
		return
	}

	tail := l.root
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = node
	node.prev = tail
}

// Remove splices node out of the list. The node's own links are always
// cleared, whether or not it was a member.
func (l *List[T]) Remove(node *Node[T]) {
	switch {
	case node.prev == nil && node.next == nil:
		if l.root == node {
			l.root = nil
		}
	case node.prev == nil:
		if l.root == node {
			l.root = node.next
			node.next.prev = nil
		}
	case node.next == nil:
		node.prev.next = nil
	default:
		node.prev.next = node.next
		node.next.prev = node.prev
	}
	node.prev = nil
	node.next = nil
}

// PopFront removes and returns the root node.
//
// The list must not be empty.
func (l *List[T]) PopFront() *Node[T] {
	node := l.root
	if node == nil {
		panic("list: PopFront on empty list")
	}
	l.Remove(node)
	return node
}

// Contains reports whether node is linked into this list, by identity.
func (l *List[T]) Contains(node *Node[T]) bool {
	for e := l.root; e != nil; e = e.next {
		if e == node {
			return true
		}
	}
	return false
}

// Each calls fn for every node from root to tail. fn may remove the node it
// is given.
func (l *List[T]) Each(fn func(*Node[T])) {
	for e := l.root; e != nil; {
		next := e.next
		fn(e)
		e = next
	}
}
