package feasibility

import (
	"sort"
	"time"

	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// firstTouchDates returns, for each group, the date of the earliest delta
// that touches one of its owned paths — used as the primary Kahn's-queue
// tie-break.
func firstTouchDates(deltas []stackmodel.Delta, ownership stackmodel.Ownership) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, d := range deltas {
		for _, c := range d.Changes {
			g, ok := ownership[c.Path]
			if !ok {
				continue
			}
			if cur, ok := out[g]; !ok || d.Date.Before(cur) {
				out[g] = d.Date
			}
		}
	}
	return out
}

type graph struct {
	nodes    []string
	adj      map[string][]stackmodel.ConstraintEdge // from -> outgoing edges
	inDegree map[string]int
}

func buildGraph(nodes []string, edges []stackmodel.ConstraintEdge) graph {
	g := graph{nodes: append([]string{}, nodes...), adj: make(map[string][]stackmodel.ConstraintEdge), inDegree: make(map[string]int)}
	for _, n := range nodes {
		g.inDegree[n] = 0
	}
	for _, e := range edges {
		g.adj[e.From] = append(g.adj[e.From], e)
		g.inDegree[e.To]++
	}
	return g
}

// kahn runs Kahn's algorithm once. Returns the order produced and the set
// of nodes still carrying non-zero in-degree when the queue emptied (empty
// iff no cycle).
func kahn(g graph, firstTouch map[string]time.Time) (order []string, stalled []string) {
	inDeg := make(map[string]int, len(g.inDegree))
	for k, v := range g.inDegree {
		inDeg[k] = v
	}

	var ready []string
	for _, n := range g.nodes {
		if inDeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	sortReady := func(xs []string) {
		sort.Slice(xs, func(i, j int) bool {
			ti, iok := firstTouch[xs[i]]
			tj, jok := firstTouch[xs[j]]
			switch {
			case iok && jok && !ti.Equal(tj):
				return ti.Before(tj)
			case iok != jok:
				return iok
			default:
				return xs[i] < xs[j]
			}
		})
	}
	sortReady(ready)

	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)

		var newlyReady []string
		// iterate edges deterministically: sort outgoing by target id
		outs := append([]stackmodel.ConstraintEdge{}, g.adj[cur]...)
		sort.Slice(outs, func(i, j int) bool { return outs[i].To < outs[j].To })
		for _, e := range outs {
			inDeg[e.To]--
			if inDeg[e.To] == 0 {
				newlyReady = append(newlyReady, e.To)
			}
		}
		sortReady(newlyReady)
		ready = append(ready, newlyReady...)
		sortReady(ready)
	}

	for _, n := range g.nodes {
		if inDeg[n] > 0 {
			stalled = append(stalled, n)
		}
	}
	sort.Strings(stalled)
	return order, stalled
}

// findCycle locates a minimal cycle by BFS over the subgraph induced by the
// stalled nodes, trying each stalled node in lexical order as the start and
// returning the shortest cycle through the first start that lies on one.
func findCycle(stalled []string, edges []stackmodel.ConstraintEdge) *CycleReport {
	if len(stalled) == 0 {
		return nil
	}
	stalledSet := make(map[string]struct{}, len(stalled))
	for _, n := range stalled {
		stalledSet[n] = struct{}{}
	}

	adj := make(map[string][]stackmodel.ConstraintEdge)
	for _, e := range edges {
		if _, ok := stalledSet[e.From]; !ok {
			continue
		}
		if _, ok := stalledSet[e.To]; !ok {
			continue
		}
		adj[e.From] = append(adj[e.From], e)
	}

	type frame struct {
		node string
		path []stackmodel.ConstraintEdge
	}
	for _, start := range stalled { // already lexically sorted
		visited := map[string]bool{start: true}
		queue := []frame{{node: start}}
		for len(queue) > 0 {
			f := queue[0]
			queue = queue[1:]

			outs := append([]stackmodel.ConstraintEdge{}, adj[f.node]...)
			sort.Slice(outs, func(i, j int) bool { return outs[i].To < outs[j].To })
			for _, e := range outs {
				path := append(append([]stackmodel.ConstraintEdge{}, f.path...), e)
				if e.To == start {
					groups := []string{start}
					for _, pe := range path {
						groups = append(groups, pe.To)
					}
					return &CycleReport{Groups: groups, Edges: path}
				}
				if !visited[e.To] {
					visited[e.To] = true
					queue = append(queue, frame{node: e.To, path: path})
				}
			}
		}
	}
	// Every stalled node has non-zero in-degree within the stalled set by
	// construction, so the stalled subgraph contains a cycle and some start
	// above lies on it; this is unreachable in practice.
	return &CycleReport{Groups: stalled}
}

func cycleHasPathOrderEvidence(cycle *CycleReport) bool {
	for _, e := range cycle.Edges {
		if e.Kind == stackmodel.EdgePathOrder {
			return true
		}
	}
	return false
}

func removeEdges(edges, toRemove []stackmodel.ConstraintEdge) []stackmodel.ConstraintEdge {
	remove := make(map[stackmodel.ConstraintEdge]struct{})
	for _, e := range toRemove {
		remove[stackmodel.ConstraintEdge{From: e.From, To: e.To, Kind: e.Kind}] = struct{}{}
	}
	out := make([]stackmodel.ConstraintEdge, 0, len(edges))
	for _, e := range edges {
		key := stackmodel.ConstraintEdge{From: e.From, To: e.To, Kind: e.Kind}
		if _, ok := remove[key]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

// topoSortWithCycleTolerance repeatedly runs Kahn's algorithm, tolerating
// (dropping, with a warning) cycles formed purely from Dependency edges
// with no PathOrder corroboration. A cycle with at least one PathOrder
// edge is fatal and returned as a CycleReport.
func topoSortWithCycleTolerance(nodes []string, edges []stackmodel.ConstraintEdge, firstTouch map[string]time.Time) (order []string, cycle *CycleReport, dropped []stackmodel.ConstraintEdge) {
	remaining := edges
	for {
		g := buildGraph(nodes, remaining)
		order, stalled := kahn(g, firstTouch)
		if len(stalled) == 0 {
			return order, nil, dropped
		}

		found := findCycle(stalled, remaining)
		if found == nil || cycleHasPathOrderEvidence(found) {
			return nil, found, dropped
		}
		dropped = append(dropped, found.Edges...)
		remaining = removeEdges(remaining, found.Edges)
	}
}
