package workflow

import (
	"strings"

	"github.com/rogersf/taskforge/internal/domain"
)

// validateGraph checks the dependency graph formed by tasks with subject's
// entry replaced (or added). It rejects self references, unknown ids and
// cycles. The walk is iterative over an index arena.
func validateGraph(tasks []domain.Task, subject domain.Task) error {
	index := make(map[string]int, len(tasks)+1)
	ids := make([]string, 0, len(tasks)+1)
	deps := make([][]string, 0, len(tasks)+1)
	for _, t := range tasks {
		if t.ID == subject.ID {
			continue
		}
		index[t.ID] = len(ids)
		ids = append(ids, t.ID)
		deps = append(deps, t.Dependencies)
	}
	index[subject.ID] = len(ids)
	ids = append(ids, subject.ID)
	deps = append(deps, subject.Dependencies)

	for _, dep := range subject.Dependencies {
		if dep == subject.ID {
			return domain.Detail(domain.ErrDependencyCycle, "task %s depends on itself", subject.ID)
		}
		if _, ok := index[dep]; !ok {
			return domain.Detail(domain.ErrDependencyNotFound, "%s", dep)
		}
	}

	edges := make([][]int, len(ids))
	for i, list := range deps {
		for _, dep := range list {
			if j, ok := index[dep]; ok {
				edges[i] = append(edges[i], j)
			}
		}
	}

	if cycle := findCycle(edges); cycle != nil {
		names := make([]string, len(cycle))
		for i, n := range cycle {
			names[i] = ids[n]
		}
		return domain.Detail(domain.ErrDependencyCycle, "%s", strings.Join(names, " -> "))
	}
	return nil
}

const (
	white = iota
	grey
	black
)

// findCycle returns the node indices of one cycle, closed on its first node,
// or nil when the graph is acyclic.
func findCycle(edges [][]int) []int {
	color := make([]int, len(edges))
	parent := make([]int, len(edges))
	next := make([]int, len(edges))

	for root := range edges {
		if color[root] != white {
			continue
		}
		stack := []int{root}
		color[root] = grey
		parent[root] = -1
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			if next[n] == len(edges[n]) {
				color[n] = black
				stack = stack[:len(stack)-1]
				continue
			}
			m := edges[n][next[n]]
			next[n]++
			switch color[m] {
			case white:
				color[m] = grey
				parent[m] = n
				stack = append(stack, m)
			case grey:
				cycle := []int{m}
				for v := n; v != m; v = parent[v] {
					cycle = append(cycle, v)
				}
				// reverse into dependency order, then close the loop
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return append(cycle, cycle[0])
			}
		}
	}
	return nil
}

// dependentCount counts tasks that list id as a dependency.
func dependentCount(tasks []domain.Task, id string) int {
	n := 0
	for _, t := range tasks {
		if t.DependsOn(id) {
			n++
		}
	}
	return n
}
