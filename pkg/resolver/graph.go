package resolver

import (
	"sort"
	"strings"

	"github.com/arthur-debert/uhpm/pkg/errors"
)

// graph is a directed dependency graph over package names, built fresh
// for each resolution call. An edge from a to b means "a depends on b".
type graph struct {
	nodes map[string]bool
	deps  map[string][]string // node -> its dependencies
}

func newGraph() *graph {
	return &graph{
		nodes: make(map[string]bool),
		deps:  make(map[string][]string),
	}
}

func (g *graph) addNode(name string) {
	g.nodes[name] = true
}

func (g *graph) addEdge(from, to string) {
	g.addNode(from)
	g.addNode(to)
	for _, d := range g.deps[from] {
		if d == to {
			return
		}
	}
	g.deps[from] = append(g.deps[from], to)
}

// topoSort returns the nodes ordered so that every dependency precedes
// its dependents, breaking ties lexicographically so plans are stable.
// A cycle yields ErrCyclicDependency naming the cycle.
func (g *graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = 0
	}
	for from, deps := range g.deps {
		for _, to := range deps {
			inDegree[from]++
			dependents[to] = append(dependents[to], from)
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		changed := false
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		cycle := g.findCycle()
		return nil, errors.Newf(errors.ErrCyclicDependency,
			"dependency cycle detected: %s", strings.Join(cycle, " -> ")).
			WithDetail("cycle", cycle)
	}
	return order, nil
}

// findCycle walks the unresolved part of the graph and returns one
// cycle path for the error message.
func (g *graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var cycle []string

	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		color[name] = gray
		path = append(path, name)
		deps := append([]string(nil), g.deps[name]...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep, path) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white && visit(name, nil) {
			break
		}
	}
	return cycle
}

// dependenciesOf returns the declared dependencies of name within the
// graph, sorted for stable plan metadata.
func (g *graph) dependenciesOf(name string) []string {
	deps := append([]string(nil), g.deps[name]...)
	sort.Strings(deps)
	return deps
}
