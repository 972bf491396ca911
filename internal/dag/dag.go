// SPDX-License-Identifier: MPL-2.0

// Package dag models the declared module dependency graph and computes build
// orders over it. Scheduling is fail-soft: cycles are broken deterministically
// and every precedence pair the fallback violates is returned to the caller.
package dag

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnknownDependency is the sentinel wrapped by UnknownDependencyError.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrSelfDependency is the sentinel wrapped by SelfDependencyError.
	ErrSelfDependency = errors.New("self dependency")
	// ErrDependencyCycle is the sentinel wrapped by CycleError.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrUnknownModule is the sentinel wrapped by UnknownModuleError.
	ErrUnknownModule = errors.New("unknown module")
)

type (
	// UnknownDependencyError is returned when a module declares a dependency
	// on a module the graph does not know about.
	UnknownDependencyError struct {
		Module     string
		Dependency string
	}

	// UnknownModuleError is returned when a module is scheduled that the
	// graph has no node for.
	UnknownModuleError struct {
		Module string
	}

	// SelfDependencyError is returned when a module lists itself as a dependency.
	SelfDependencyError struct {
		Module string
	}

	// CycleError indicates that the graph contains a cycle, preventing a strict
	// topological ordering.
	CycleError struct {
		// Cycle contains the nodes left unordered when the sort stalled.
		Cycle []string
	}

	// Graph maps each module to the ordered set of modules it depends on.
	// Nodes are kept in insertion order; that order is the discovery order
	// used for tie-breaking.
	Graph struct {
		// deps maps each node to its declared dependencies, deduplicated.
		deps map[string][]string
		// nodes tracks all nodes in insertion order for deterministic output.
		nodes []string
		// nodeSet provides O(1) lookup for node existence.
		nodeSet map[string]bool
	}
)

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("module %q depends on unknown module %q", e.Module, e.Dependency)
}

// Unwrap returns ErrUnknownDependency for errors.Is compatibility.
func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module %q", e.Module)
}

// Unwrap returns ErrUnknownModule for errors.Is compatibility.
func (e *UnknownModuleError) Unwrap() error { return ErrUnknownModule }

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("module %q depends on itself", e.Module)
}

// Unwrap returns ErrSelfDependency for errors.Is compatibility.
func (e *SelfDependencyError) Unwrap() error { return ErrSelfDependency }

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Cycle, ", "))
}

// Unwrap returns ErrDependencyCycle for errors.Is compatibility.
func (e *CycleError) Unwrap() error { return ErrDependencyCycle }

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		deps:    make(map[string][]string),
		nodeSet: make(map[string]bool),
	}
}

// FromDependencies builds a graph whose nodes are modules, in that order,
// followed by any remaining keys of deps in sorted order.
func FromDependencies(modules []string, deps map[string][]string) *Graph {
	g := New()
	for _, m := range modules {
		g.AddNode(m)
	}
	extra := make([]string, 0)
	for m := range deps {
		if !g.nodeSet[m] {
			extra = append(extra, m)
		}
	}
	slices.Sort(extra)
	for _, m := range extra {
		g.AddNode(m)
	}
	for _, m := range g.nodes {
		for _, d := range deps[m] {
			g.AddDependency(m, d)
		}
	}
	return g
}

// AddNode adds a node to the graph. If the node already exists, this is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// AddDependency records that module depends on dep. The module node is added
// implicitly; dep is not, so undeclared dependencies surface in Validate.
func (g *Graph) AddDependency(module, dep string) {
	g.AddNode(module)
	if slices.Contains(g.deps[module], dep) {
		return
	}
	g.deps[module] = append(g.deps[module], dep)
}

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	return g.nodeSet[name]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.nodes)
}

// Dependencies returns the declared dependencies of name in declaration order.
func (g *Graph) Dependencies(name string) []string {
	return slices.Clone(g.deps[name])
}

// Dependents returns the nodes that declare name as a dependency, in
// insertion order.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, n := range g.nodes {
		if slices.Contains(g.deps[n], name) {
			out = append(out, n)
		}
	}
	return out
}

// Validate returns the first self or unknown dependency found, walking nodes
// and their dependencies in declaration order.
func (g *Graph) Validate() error {
	for _, n := range g.nodes {
		for _, d := range g.deps[n] {
			if d == n {
				return &SelfDependencyError{Module: n}
			}
			if !g.nodeSet[d] {
				return &UnknownDependencyError{Module: n, Dependency: d}
			}
		}
	}
	return nil
}

// TopologicalSort returns a strict dependency-first order of every node using
// Kahn's algorithm. Returns CycleError if the graph contains a cycle. Nodes
// at the same level appear in insertion order.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	// In-degree here counts unmet dependencies.
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n] = len(g.deps[n])
		for _, d := range g.deps[n] {
			dependents[d] = append(dependents[d], n)
		}
	}

	queue := make([]string, 0)
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, dependent := range dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var cycleNodes []string
		for _, n := range g.nodes {
			if inDegree[n] > 0 {
				cycleNodes = append(cycleNodes, n)
			}
		}
		return nil, &CycleError{Cycle: cycleNodes}
	}

	return result, nil
}
