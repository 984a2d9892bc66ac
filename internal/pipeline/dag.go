package pipeline

import (
	"sort"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/fault"
)

// topoSort orders pipeline nodes so every edge points forward. Ties are
// broken by node ID for deterministic runs. A cycle aborts with a
// CYCLIC_PIPELINE fault before any side effect.
func topoSort(p *domain.Pipeline) ([]string, error) {
	indegree := make(map[string]int, len(p.Nodes))
	successors := make(map[string][]string)
	for _, n := range p.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range p.Edges {
		if _, ok := indegree[e.Source]; !ok {
			return nil, fault.Newf(fault.CodeMissingRequiredField,
				"pipeline %s: edge references unknown node %q", p.ID, e.Source)
		}
		if _, ok := indegree[e.Target]; !ok {
			return nil, fault.Newf(fault.CodeMissingRequiredField,
				"pipeline %s: edge references unknown node %q", p.ID, e.Target)
		}
		successors[e.Source] = append(successors[e.Source], e.Target)
		indegree[e.Target]++
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(p.Nodes) {
		return nil, fault.Newf(fault.CodeCyclicPipeline,
			"pipeline %s contains a cycle", p.ID)
	}
	return order, nil
}

// inputsOf lists a node's upstream node IDs in edge declaration order,
// which fixes the left/right role for merge and diff nodes.
func inputsOf(p *domain.Pipeline, nodeID string) []string {
	var result []string
	for _, e := range p.Edges {
		if e.Target == nodeID {
			result = append(result, e.Source)
		}
	}
	return result
}

// descendantsOf returns every node reachable from the given node.
func descendantsOf(p *domain.Pipeline, nodeID string) map[string]bool {
	successors := make(map[string][]string)
	for _, e := range p.Edges {
		successors[e.Source] = append(successors[e.Source], e.Target)
	}

	result := make(map[string]bool)
	stack := append([]string{}, successors[nodeID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if result[id] {
			continue
		}
		result[id] = true
		stack = append(stack, successors[id]...)
	}
	return result
}
