package workflow

import (
	"fmt"
	"sort"
)

// stages groups a workflow's nodes into a topologically-ordered sequence
// of parallel-execution groups: every node in stage i depends (via
// EdgeAfter) only on nodes in stages < i, and nodes within a stage share
// no dependency relation, so the executor may run an entire stage
// concurrently before advancing.
//
// This is the same Kahn's-algorithm staging the teacher's multiagent
// dependency graph used for bounded-parallel agent fan-out, generalized
// here from AgentDefinition.DependsOn to workflow Node/EdgeAfter.
func stages(w *Workflow, start string, active map[string]bool) ([][]string, error) {
	indegree := make(map[string]int, len(active))
	dependents := make(map[string][]string, len(active))
	for name := range active {
		indegree[name] = 0
	}
	for _, e := range w.Edges {
		if e.Kind != EdgeAfter {
			continue
		}
		if !active[e.From] || !active[e.To] {
			continue
		}
		indegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	ready := make([]string, 0)
	for name := range active {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	processed := 0
	var out [][]string
	for len(ready) > 0 {
		stage := append([]string(nil), ready...)
		out = append(out, stage)

		next := make([]string, 0)
		for _, name := range stage {
			processed++
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	if processed != len(active) {
		return nil, fmt.Errorf("workflow %q: dependency cycle detected among active nodes", w.Name)
	}
	return out, nil
}

// reachableFrom returns the set of nodes reachable from start by
// following EdgeAfter and EdgeConditional edges, used to scope a
// conditional prune to only the nodes downstream of the branch point.
func reachableFrom(w *Workflow, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, e := range w.Edges {
			if e.From != name || e.Kind == EdgeLoop {
				continue
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}
