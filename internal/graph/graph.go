// Package graph models stages and their needs relationships as a pure
// query structure. It performs no execution.
package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrCycle       = errors.New("dependency graph contains a cycle")
	ErrDuplicateID = errors.New("duplicate stage id")
)

type Graph struct {
	needs map[string][]string
}

func New() *Graph {
	return &Graph{needs: make(map[string][]string)}
}

// AddStage registers a stage and its needs. Needs may reference stages
// added later; the cycle check considers every edge seen so far.
func (g *Graph) AddStage(id string, needs []string) error {
	if _, exists := g.needs[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	copied := make([]string, len(needs))
	copy(copied, needs)
	sort.Strings(copied)
	g.needs[id] = copied

	if g.hasCycle() {
		delete(g.needs, id)
		return fmt.Errorf("%w: adding %q", ErrCycle, id)
	}
	return nil
}

// Validate checks that every referenced need names a known stage.
func (g *Graph) Validate() error {
	for id, needs := range g.needs {
		for _, need := range needs {
			if _, ok := g.needs[need]; !ok {
				return fmt.Errorf("stage %q needs unknown stage %q", id, need)
			}
		}
	}
	return nil
}

// ReadyStages returns, in ascending id order, every stage whose full needs
// set is contained in completed and which is not itself completed.
func (g *Graph) ReadyStages(completed map[string]struct{}) []string {
	ready := make([]string, 0)
	for id, needs := range g.needs {
		if _, done := completed[id]; done {
			continue
		}
		satisfied := true
		for _, need := range needs {
			if _, done := completed[need]; !done {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// IsComplete reports whether every stage id is in completed.
func (g *Graph) IsComplete(completed map[string]struct{}) bool {
	for id := range g.needs {
		if _, done := completed[id]; !done {
			return false
		}
	}
	return true
}

// StageIDs returns every registered stage id in ascending order.
func (g *Graph) StageIDs() []string {
	ids := make([]string, 0, len(g.needs))
	for id := range g.needs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TransitiveDependents returns, in ascending order, every stage reachable
// from id by following needs edges backwards.
func (g *Graph) TransitiveDependents(id string) []string {
	dependents := g.dependentsIndex()
	visited := map[string]struct{}{}
	var walk func(string)
	walk = func(current string) {
		for _, dep := range dependents[current] {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}
			walk(dep)
		}
	}
	walk(id)

	out := make([]string, 0, len(visited))
	for dep := range visited {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) dependentsIndex() map[string][]string {
	out := make(map[string][]string, len(g.needs))
	for id, needs := range g.needs {
		for _, need := range needs {
			out[need] = append(out[need], id)
		}
	}
	return out
}

// hasCycle runs Kahn's algorithm over the edges seen so far; edges to
// not-yet-added stages are ignored until the target stage exists.
func (g *Graph) hasCycle() bool {
	inDegree := make(map[string]int, len(g.needs))
	adj := make(map[string][]string, len(g.needs))
	for id := range g.needs {
		inDegree[id] = 0
	}
	for id, needs := range g.needs {
		for _, need := range needs {
			if _, known := g.needs[need]; !known {
				continue
			}
			adj[need] = append(adj[need], id)
			inDegree[id]++
		}
	}

	ready := make([]string, 0, len(g.needs))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	seen := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		seen++
		for _, dependent := range adj[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return seen != len(g.needs)
}

// FromStages builds a graph for the given (id, needs) pairs.
func FromStages(stages map[string][]string) (*Graph, error) {
	g := New()
	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := g.AddStage(id, stages[id]); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
