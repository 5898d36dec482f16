package scheduler

import (
	"sort"

	"github.com/devkernel/devkernel/kernel"
)

// criticalPath computes the longest size-weighted chain of blocks-
// connected issues: Kahn's algorithm for a topological order, then
// dynamic programming for the longest weighted path ending at each
// node, then backtracking from the max-distance node. Ties are broken
// by insertion (topological) order. Grounded line-for-line on the
// original's compute_critical_path in kernel/scheduler.py.
func criticalPath(graph kernel.WorkGraph) []string {
	ids := make([]string, 0, len(graph.Issues))
	for id := range graph.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic insertion order

	indegree := make(map[string]int, len(ids))
	children := make(map[string][]string, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, d := range graph.Deps {
		if d.Type != kernel.DepBlocks {
			continue
		}
		if _, ok := graph.Issues[d.From]; !ok {
			continue
		}
		if _, ok := graph.Issues[d.To]; !ok {
			continue
		}
		children[d.From] = append(children[d.From], d.To)
		indegree[d.To]++
	}

	// Kahn's algorithm.
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	var topo []string
	indegreeCopy := make(map[string]int, len(indegree))
	for k, v := range indegree {
		indegreeCopy[k] = v
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		topo = append(topo, n)
		// Iterate children in deterministic order.
		kids := append([]string(nil), children[n]...)
		sort.Strings(kids)
		for _, c := range kids {
			indegreeCopy[c]--
			if indegreeCopy[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if len(topo) != len(ids) {
		// Should not occur: State Manager forbids blocks-cycles. If it
		// somehow does (e.g. issues referencing ids outside the
		// snapshot), fail safe to empty rather than guess.
		return nil
	}

	weight := func(id string) int {
		iss := graph.Issues[id]
		w, ok := kernel.SizeHours[iss.Size]
		if !ok {
			return 1
		}
		return w
	}

	dist := make(map[string]int, len(topo))
	parent := make(map[string]string, len(topo))
	for _, id := range topo {
		dist[id] = weight(id)
	}
	for _, n := range topo {
		kids := append([]string(nil), children[n]...)
		sort.Strings(kids)
		for _, c := range kids {
			cand := dist[n] + weight(c)
			if cand > dist[c] {
				dist[c] = cand
				parent[c] = n
			}
		}
	}

	if len(topo) == 0 {
		return nil
	}
	best := topo[0]
	for _, id := range topo[1:] {
		if dist[id] > dist[best] {
			best = id
		}
	}

	var path []string
	for n := best; ; {
		path = append([]string{n}, path...)
		p, ok := parent[n]
		if !ok {
			break
		}
		n = p
	}
	return path
}
