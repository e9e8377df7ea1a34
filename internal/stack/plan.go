// File: internal/stack/plan.go
// Brief: DAG validation and deterministic deployment order.

package stack

import (
	"fmt"
	"sort"
)

// Plan is the topologically ordered deployment sequence. Computed once per
// run and not mutated afterwards.
type Plan struct {
	Stacks []*Definition
	Graph  *Graph

	byName map[string]*Definition
}

func (p *Plan) Lookup(name string) *Definition {
	return p.byName[name]
}

func (p *Plan) Order() []string {
	out := make([]string, 0, len(p.Stacks))
	for _, d := range p.Stacks {
		out = append(out, d.Name)
	}
	return out
}

// Resolve validates the dependency graph and produces a deterministic
// topological order: Kahn's algorithm with ties broken by declaration order,
// so repeated runs over unchanged input yield identical plans.
func Resolve(defs []*Definition) (*Plan, error) {
	byName := map[string]*Definition{}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("stack with empty name")
		}
		if _, ok := byName[d.Name]; ok {
			return nil, fmt.Errorf("duplicate stack name %q", d.Name)
		}
		byName[d.Name] = d
	}

	g, err := BuildGraph(defs)
	if err != nil {
		return nil, err
	}

	inDegree := map[string]int{}
	for _, d := range defs {
		inDegree[d.Name] = len(g.deps[d.Name])
	}

	byDecl := func(names []string) {
		sort.Slice(names, func(i, j int) bool {
			return byName[names[i]].DeclIndex < byName[names[j]].DeclIndex
		})
	}

	ready := make([]string, 0, len(defs))
	for _, d := range defs {
		if inDegree[d.Name] == 0 {
			ready = append(ready, d.Name)
		}
	}
	byDecl(ready)

	ordered := make([]*Definition, 0, len(defs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		for _, dep := range g.dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		byDecl(ready)
	}

	if len(ordered) != len(defs) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Path: findCyclePath(stuck, g.deps)}
	}

	return &Plan{Stacks: ordered, Graph: g, byName: byName}, nil
}

// findCyclePath extracts one concrete cycle among the stuck nodes so the
// error names the actual participants, first node repeated at the end.
func findCyclePath(stuck []string, deps map[string][]string) []string {
	stuckSet := map[string]struct{}{}
	for _, n := range stuck {
		stuckSet[n] = struct{}{}
	}
	vis := map[string]bool{}
	onStack := map[string]bool{}
	var stack []string
	var cycle []string
	var dfs func(string) bool
	dfs = func(name string) bool {
		vis[name] = true
		onStack[name] = true
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if _, ok := stuckSet[dep]; !ok {
				continue
			}
			if !vis[dep] {
				if dfs(dep) {
					return true
				}
				continue
			}
			if onStack[dep] {
				idx := 0
				for i := range stack {
					if stack[i] == dep {
						idx = i
						break
					}
				}
				cycle = append([]string(nil), stack[idx:]...)
				cycle = append(cycle, dep)
				return true
			}
		}
		onStack[name] = false
		stack = stack[:len(stack)-1]
		return false
	}
	for _, name := range stuck {
		if vis[name] {
			continue
		}
		if dfs(name) {
			break
		}
	}
	return cycle
}
