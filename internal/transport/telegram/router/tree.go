package router

import (
	"sort"
	"strings"
)

// node is one token of a command route. Inner nodes may have no handler.
type node struct {
	name     string
	cmd      *Command
	children map[string]*node
}

func newTree() *node { return &node{children: map[string]*node{}} }

func splitRoute(route string) []string {
	return strings.Fields(strings.TrimSpace(route))
}

func (n *node) insert(route []string, c Command) *node {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &node{name: tok, children: map[string]*node{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *node) child(name string) (*node, bool) {
	c, ok := n.children[name]
	return c, ok
}

// walk descends as far as args allow and returns the deepest node reached,
// the consumed path and the remaining args. Flags stop the descent.
func (n *node) walk(first string, args []string) (*node, []string, []string) {
	cur, ok := n.child(first)
	if !ok {
		return nil, nil, args
	}
	path := []string{first}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		next, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = next
		path = append(path, args[0])
		args = args[1:]
	}
	return cur, path, args
}

func (n *node) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// access is the loosest access level of any handler at or below n.
func (n *node) access() Access {
	if n == nil {
		return AccessEveryone
	}
	if n.cmd != nil {
		return n.cmd.Access
	}
	best := AccessOwnerOnly
	for _, c := range n.children {
		if a := c.access(); a < best {
			best = a
		}
	}
	return best
}
