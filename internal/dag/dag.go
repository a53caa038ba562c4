// SPDX-License-Identifier: MPL-2.0

// Package dag orders the nodes of a directed graph so that every node
// follows the nodes it depends on. depsync uses it to install locked
// packages dependencies-first and to reject requirement cycles.
package dag

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError reports nodes that lie on, or behind, a cycle.
	CycleError[K cmp.Ordered] struct {
		Nodes []K
	}

	// Graph is a dependency graph. An edge from a to b means a depends on
	// b, so b is ordered first.
	Graph[K cmp.Ordered] struct {
		deps       map[K][]K
		dependents map[K][]K
	}
)

func (e *CycleError[K]) Error() string {
	parts := make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		parts[i] = fmt.Sprint(n)
	}
	return "dependency cycle among " + strings.Join(parts, ", ")
}

// New creates an empty graph.
func New[K cmp.Ordered]() *Graph[K] {
	return &Graph[K]{deps: map[K][]K{}, dependents: map[K][]K{}}
}

// Add adds node. Adding an existing node is a no-op.
func (g *Graph[K]) Add(node K) {
	if _, ok := g.deps[node]; !ok {
		g.deps[node] = nil
	}
}

// Depend records that node depends on dep. Both are added if missing and
// repeated edges are ignored.
func (g *Graph[K]) Depend(node, dep K) {
	g.Add(node)
	g.Add(dep)
	if slices.Contains(g.deps[node], dep) {
		return
	}
	g.deps[node] = append(g.deps[node], dep)
	g.dependents[dep] = append(g.dependents[dep], node)
}

// Len returns the number of nodes.
func (g *Graph[K]) Len() int { return len(g.deps) }

// Order returns every node after its dependencies. Among nodes that are
// ready at the same time the smallest key comes first, so the order does
// not depend on insertion order.
func (g *Graph[K]) Order() ([]K, error) {
	pending := make(map[K]int, len(g.deps))
	var ready []K
	for node, deps := range g.deps {
		pending[node] = len(deps)
		if len(deps) == 0 {
			ready = append(ready, node)
		}
	}

	order := make([]K, 0, len(g.deps))
	for len(ready) > 0 {
		slices.Sort(ready)
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, d := range g.dependents[node] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) < len(g.deps) {
		var stuck []K
		for node, n := range pending {
			if n > 0 {
				stuck = append(stuck, node)
			}
		}
		slices.Sort(stuck)
		return nil, &CycleError[K]{Nodes: stuck}
	}
	return order, nil
}
