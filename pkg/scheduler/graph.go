package scheduler

import (
	"fmt"
	"strings"

	"github.com/opnlabs/dotflow/pkg/models"
)

// DependencyError reports a `needs` graph that cannot be scheduled.
type DependencyError struct {
	Job string
	// Need is set for a reference to an unknown job.
	Need string
	// Cycle lists the jobs of a dependency cycle, first job repeated last.
	Cycle []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	}
	if e.Need == e.Job {
		return fmt.Sprintf("job %s needs itself", e.Job)
	}
	return fmt.Sprintf("job %s needs unknown job %s", e.Job, e.Need)
}

type node struct {
	id         string
	deps       []*node
	dependents []*node
}

// Graph is the job dependency graph built from `needs`. Edge lists keep
// workflow declaration order.
type Graph struct {
	nodes map[string]*node
	order []string
}

// NewGraph builds and validates the graph of jobs. Unknown needs and cycles
// are reported as *DependencyError before anything runs.
func NewGraph(jobs models.Jobs) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(jobs))}
	for _, j := range jobs {
		g.addNode(j.ID)
	}
	for _, j := range jobs {
		for _, need := range j.Needs {
			if err := g.addEdge(need, j.ID); err != nil {
				return nil, err
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{id: id}
	g.order = append(g.order, id)
}

// addEdge records that toID depends on fromID.
func (g *Graph) addEdge(fromID, toID string) error {
	if fromID == toID {
		return &DependencyError{Job: toID, Need: fromID}
	}
	from, ok := g.nodes[fromID]
	if !ok {
		return &DependencyError{Job: toID, Need: fromID}
	}
	to := g.nodes[toID]
	for _, d := range to.deps {
		if d == from {
			return nil
		}
	}
	to.deps = append(to.deps, from)
	from.dependents = append(from.dependents, to)
	return nil
}

// DetectCycles runs a depth-first search over dependents and returns the
// first cycle found, in declaration order.
func (g *Graph) DetectCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		switch state[n.id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, id := range stack {
				if id == n.id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), n.id)
			return &DependencyError{Job: n.id, Cycle: cycle}
		}

		state[n.id] = visiting
		stack = append(stack, n.id)
		for _, d := range n.dependents {
			if err := visit(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[n.id] = done
		return nil
	}

	for _, id := range g.order {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Dependencies returns the jobs id needs.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(n.deps))
	for _, d := range n.deps {
		ids = append(ids, d.id)
	}
	return ids
}

// Dependents returns the jobs that need id.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(n.dependents))
	for _, d := range n.dependents {
		ids = append(ids, d.id)
	}
	return ids
}

// Order returns the jobs in a topological order that keeps declaration
// order among independent jobs.
func (g *Graph) Order() []string {
	remaining := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		remaining[id] = len(n.deps)
	}

	out := make([]string, 0, len(g.order))
	emitted := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		for _, id := range g.order {
			if emitted[id] || remaining[id] > 0 {
				continue
			}
			emitted[id] = true
			out = append(out, id)
			for _, d := range g.nodes[id].dependents {
				remaining[d.id]--
			}
			break
		}
	}
	return out
}
