package graph

import (
	"fmt"
	"sort"
)

// ServiceConfig describes one deployable unit in a release request.
type ServiceConfig struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// DeploymentPlan is the ordered batch plan for one release. Services in
// the same batch have no dependency edges between them and may deploy
// concurrently; batch i+1 must not start before batch i has terminated.
type DeploymentPlan struct {
	Batches [][]string
	Order   []string
}

// BuildPlan validates the declared services and produces a deployment
// plan. It is a pure function of its input: validation runs first and
// reports every missing dependency name, cycle detection reports every
// disjoint cycle, and batching uses Kahn's algorithm with ties broken by
// input position so the result is deterministic.
func BuildPlan(services []ServiceConfig) (*DeploymentPlan, error) {
	if len(services) == 0 {
		return &DeploymentPlan{}, nil
	}

	index := make(map[string]int, len(services))
	for i, svc := range services {
		if svc.Name == "" {
			return nil, fmt.Errorf("service at position %d has no name", i)
		}
		if _, exists := index[svc.Name]; exists {
			return nil, fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		index[svc.Name] = i
	}

	if missing := findMissing(services, index); len(missing) > 0 {
		return nil, &MissingDependencyError{Missing: missing}
	}

	// Adjacency by slot index, edge dependency -> dependent.
	n := len(services)
	dependents := make([][]int, n)
	indegree := make([]int, n)
	for i, svc := range services {
		for _, dep := range svc.Dependencies {
			d := index[dep]
			dependents[d] = append(dependents[d], i)
			indegree[i]++
		}
	}

	if cycles := findCycles(services, index); len(cycles) > 0 {
		return nil, &CircularDependencyError{Cycles: cycles}
	}

	plan := &DeploymentPlan{}
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	for len(ready) > 0 {
		batch := make([]string, 0, len(ready))
		for _, i := range ready {
			batch = append(batch, services[i].Name)
		}
		plan.Batches = append(plan.Batches, batch)
		plan.Order = append(plan.Order, batch...)

		var next []int
		for _, i := range ready {
			for _, dep := range dependents[i] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		// Ready slots come out of the edge scan in arbitrary relative
		// order; re-sort by input position to keep batches stable.
		sort.Ints(next)
		ready = next
	}

	return plan, nil
}

func findMissing(services []ServiceConfig, index map[string]int) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, svc := range services {
		for _, dep := range svc.Dependencies {
			if _, ok := index[dep]; !ok && !seen[dep] {
				seen[dep] = true
				missing = append(missing, dep)
			}
		}
	}
	return missing
}

const (
	unvisited  = 0
	inProgress = 1
	done       = 2
)

// findCycles runs a three-state depth-first traversal over the
// dependency edges and collects every disjoint cycle it encounters.
func findCycles(services []ServiceConfig, index map[string]int) [][]string {
	n := len(services)
	state := make([]int, n)
	var cycles [][]string
	var stack []int

	var visit func(i int)
	visit = func(i int) {
		state[i] = inProgress
		stack = append(stack, i)

		for _, dep := range services[i].Dependencies {
			d := index[dep]
			switch state[d] {
			case unvisited:
				visit(d)
			case inProgress:
				// Back edge: the cycle is the stack suffix starting at d.
				var cycle []string
				for j := len(stack) - 1; j >= 0; j-- {
					cycle = append([]string{services[stack[j]].Name}, cycle...)
					if stack[j] == d {
						break
					}
				}
				cycles = append(cycles, cycle)
			}
		}

		stack = stack[:len(stack)-1]
		state[i] = done
	}

	for i := 0; i < n; i++ {
		if state[i] == unvisited {
			visit(i)
		}
	}

	return cycles
}
