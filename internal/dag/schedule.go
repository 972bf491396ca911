// SPDX-License-Identifier: MPL-2.0

package dag

import (
	"fmt"
	"slices"
)

type (
	// ScheduleOptions tune Schedule.
	ScheduleOptions struct {
		// Preference ranks modules when more than one is ready. Modules named
		// earlier win; unnamed modules sort last in discovery order.
		Preference []string
		// Installed reports whether a dependency outside the enabled set is
		// already available. Nil treats every external dependency as unresolved.
		Installed func(name string) bool
	}

	// ForcedPick records a module placed while its dependencies were unmet,
	// which only happens when the remaining modules form a cycle.
	ForcedPick struct {
		Module string   `json:"module" yaml:"module"`
		Unmet  []string `json:"unmet" yaml:"unmet"`
	}

	// Violation is a (module, dependency) pair where the dependency was
	// ordered after the module.
	Violation struct {
		Module     string `json:"module" yaml:"module"`
		Dependency string `json:"dependency" yaml:"dependency"`
	}

	// Schedule is the computed build order with its diagnostics.
	Schedule struct {
		// Order contains every enabled module exactly once.
		Order []string `json:"order" yaml:"order"`
		// Forced lists the cycle-breaking picks, in the order they were made.
		Forced []ForcedPick `json:"forced,omitempty" yaml:"forced,omitempty"`
		// Violations lists every precedence pair the order breaks.
		Violations []Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
		// External maps modules to dependencies outside the enabled set.
		External map[string][]string `json:"external,omitempty" yaml:"external,omitempty"`
		// Unresolved is the subset of External that is not installed either.
		Unresolved map[string][]string `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
	}
)

// HasCycle reports whether the fallback had to break at least one cycle.
func (s *Schedule) HasCycle() bool {
	return len(s.Forced) > 0
}

// Position returns the index of name in the order, or -1.
func (s *Schedule) Position(name string) int {
	return slices.Index(s.Order, name)
}

func (v Violation) String() string {
	return fmt.Sprintf("%s before its dependency %s", v.Module, v.Dependency)
}

// Schedule computes a build order over enabled. The graph is validated first;
// an unknown or self dependency aborts before any ordering is attempted.
//
// Each iteration retires exactly one module: the best-ranked module whose
// in-set dependencies are all placed, or, when none is ready, the
// lexicographically smallest remaining module. The loop therefore always
// terminates with a permutation of enabled.
func (g *Graph) Schedule(enabled []string, opts ScheduleOptions) (*Schedule, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	modules := make([]string, 0, len(enabled))
	inSet := make(map[string]bool, len(enabled))
	for _, m := range enabled {
		if inSet[m] {
			continue
		}
		if !g.nodeSet[m] {
			return nil, &UnknownModuleError{Module: m}
		}
		inSet[m] = true
		modules = append(modules, m)
	}

	discovery := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		discovery[n] = i
	}
	prefRank := make(map[string]int, len(opts.Preference))
	for i, m := range opts.Preference {
		if _, dup := prefRank[m]; !dup {
			prefRank[m] = i
		}
	}
	less := func(a, b string) bool {
		ra, okA := prefRank[a]
		rb, okB := prefRank[b]
		switch {
		case okA && okB && ra != rb:
			return ra < rb
		case okA != okB:
			return okA
		default:
			return discovery[a] < discovery[b]
		}
	}

	sched := &Schedule{
		Order:      make([]string, 0, len(modules)),
		External:   make(map[string][]string),
		Unresolved: make(map[string][]string),
	}
	internal := make(map[string][]string, len(modules))
	for _, m := range modules {
		for _, d := range g.deps[m] {
			if inSet[d] {
				internal[m] = append(internal[m], d)
				continue
			}
			sched.External[m] = append(sched.External[m], d)
			if opts.Installed == nil || !opts.Installed(d) {
				sched.Unresolved[m] = append(sched.Unresolved[m], d)
			}
		}
	}

	placed := make(map[string]bool, len(modules))
	remaining := slices.Clone(modules)
	for len(remaining) > 0 {
		winner := ""
		for _, m := range remaining {
			if !allPlaced(internal[m], placed) {
				continue
			}
			if winner == "" || less(m, winner) {
				winner = m
			}
		}

		if winner == "" {
			winner = slices.Min(remaining)
			var unmet []string
			for _, d := range internal[winner] {
				if !placed[d] {
					unmet = append(unmet, d)
				}
			}
			sched.Forced = append(sched.Forced, ForcedPick{Module: winner, Unmet: unmet})
		}

		placed[winner] = true
		sched.Order = append(sched.Order, winner)
		remaining = slices.DeleteFunc(remaining, func(m string) bool { return m == winner })
	}

	sched.Violations = violations(sched.Order, internal)
	if len(sched.External) == 0 {
		sched.External = nil
	}
	if len(sched.Unresolved) == 0 {
		sched.Unresolved = nil
	}
	return sched, nil
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, d := range deps {
		if !placed[d] {
			return false
		}
	}
	return true
}

func violations(order []string, internal map[string][]string) []Violation {
	pos := make(map[string]int, len(order))
	for i, m := range order {
		pos[m] = i
	}
	var out []Violation
	for _, m := range order {
		for _, d := range internal[m] {
			if pos[d] > pos[m] {
				out = append(out, Violation{Module: m, Dependency: d})
			}
		}
	}
	return out
}
