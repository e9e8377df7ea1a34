// File: internal/stack/graph.go
// Brief: Dependency graph over stack definitions.

package stack

import "sort"

type Graph struct {
	deps       map[string][]string
	dependents map[string][]string
}

// BuildGraph collects each definition's effective dependencies: the declared
// dependsOn list plus stacks implied by output references. Unknown names fail
// with UnknownDependencyError.
func BuildGraph(defs []*Definition) (*Graph, error) {
	byName := map[string]*Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	g := &Graph{
		deps:       map[string][]string{},
		dependents: map[string][]string{},
	}
	add := func(from, to string) {
		for _, existing := range g.deps[from] {
			if existing == to {
				return
			}
		}
		g.deps[from] = append(g.deps[from], to)
		g.dependents[to] = append(g.dependents[to], from)
	}
	for _, d := range defs {
		for _, depName := range d.DependsOn {
			if _, ok := byName[depName]; !ok {
				return nil, &UnknownDependencyError{Stack: d.Name, Dependency: depName}
			}
			add(d.Name, depName)
		}
		for _, name := range d.ParameterNames() {
			p := d.Parameters[name]
			if p.Kind != ParameterOutput {
				continue
			}
			if _, ok := byName[p.Stack]; !ok {
				return nil, &UnknownDependencyError{Stack: d.Name, Dependency: p.Stack}
			}
			add(d.Name, p.Stack)
		}
	}
	for k := range g.deps {
		sort.Strings(g.deps[k])
	}
	for k := range g.dependents {
		sort.Strings(g.dependents[k])
	}
	return g, nil
}

// Deps returns the direct dependencies of name, sorted.
func (g *Graph) Deps(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// DepsOf returns the transitive dependency closure of name, sorted.
func (g *Graph) DepsOf(name string) []string {
	return g.walk(name, g.deps)
}

// DependentsOf returns the transitive dependent closure of name, sorted.
func (g *Graph) DependentsOf(name string) []string {
	return g.walk(name, g.dependents)
}

func (g *Graph) walk(name string, edges map[string][]string) []string {
	var out []string
	seen := map[string]struct{}{}
	var visit func(string)
	visit = func(cur string) {
		for _, next := range edges[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			out = append(out, next)
			visit(next)
		}
	}
	visit(name)
	sort.Strings(out)
	return out
}

func (g *Graph) Edges() [][2]string {
	var edges [][2]string
	for from, deps := range g.deps {
		for _, to := range deps {
			edges = append(edges, [2]string{from, to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}
