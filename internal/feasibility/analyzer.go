// Package feasibility implements the Feasibility Analyzer (C3): it builds
// the inter-group constraint DAG from path-touch order and declared
// dependencies, detects cycles, and produces a deterministic topological
// order via Kahn's algorithm.
package feasibility

import (
	"sort"

	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// Result is the analyzer's output on the feasible path.
type Result struct {
	Feasible         bool
	OrderedGroupIDs  []string
	DependencyEdges  []stackmodel.ConstraintEdge
	DroppedCycleEdges []stackmodel.ConstraintEdge // declared-only cycle edges silently broken (warning, not fatal)
}

// CycleReport describes a fatal cycle found during topological sort.
type CycleReport struct {
	Groups []string
	Edges  []stackmodel.ConstraintEdge
}

// Analyzer builds and sorts the constraint graph.
type Analyzer struct{}

// New returns an Analyzer.
func New() *Analyzer { return &Analyzer{} }

// Analyze builds the constraint DAG from deltas (for PathOrder edges) and
// declaredDeps (group_id -> dependency group_ids, for Dependency edges),
// then topologically sorts it. A cycle corroborated by at least one
// PathOrder edge is fatal (stackerr.KindCycleDetected, carrying the
// CycleReport in context). A cycle formed purely from declared
// dependencies — with no path evidence at all — is not trustworthy enough
// to abort the run: its edges are dropped and reported as a warning
// instead.
func (a *Analyzer) Analyze(deltas []stackmodel.Delta, ownership stackmodel.Ownership, declaredDeps map[string][]string) (Result, error) {
	pathEdges := synthesizePathOrderEdges(deltas, ownership)
	depEdges := synthesizeDependencyEdges(declaredDeps, pathEdges)

	allEdges := coalesce(append(append([]stackmodel.ConstraintEdge{}, pathEdges...), depEdges...))

	order, cycle, dropped := topoSortWithCycleTolerance(groupIDsOf(ownership, declaredDeps), allEdges, firstTouchDates(deltas, ownership))
	if cycle != nil {
		return Result{}, stackerr.New(stackerr.KindCycleDetected, "dependency cycle among groups").
			WithContext("cycle_groups", cycle.Groups).
			WithContext("cycle_edges", cycle.Edges)
	}

	return Result{
		Feasible:          true,
		OrderedGroupIDs:   order,
		DependencyEdges:   allEdges,
		DroppedCycleEdges: dropped,
	}, nil
}

func groupIDsOf(ownership stackmodel.Ownership, declaredDeps map[string][]string) []string {
	seen := make(map[string]struct{})
	for _, g := range ownership {
		seen[g] = struct{}{}
	}
	for g, deps := range declaredDeps {
		seen[g] = struct{}{}
		for _, d := range deps {
			seen[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// synthesizePathOrderEdges builds, for each path lineage, the sequence of
// groups that touched it in commit order, collapses consecutive
// duplicates, and emits an edge for each adjacent distinct pair. A lineage
// tracks one logical file across renames: since Ownership is keyed by
// literal path string, a rename can hand a file from one group's name to
// another group's name, which is exactly the case that needs an ordering
// edge (the rename commit depends on the pre-rename content). A delete
// followed by a re-add under the same literal path is not a lineage break
// — the path key is unchanged, so both touches chain onto the same
// lineage; since both are attributed to that path's single owner, they
// collapse into one entry and produce no cross-group edge.
func synthesizePathOrderEdges(deltas []stackmodel.Delta, ownership stackmodel.Ownership) []stackmodel.ConstraintEdge {
	type touch struct {
		group  string
		commit string
		path   string
	}
	touches := make(map[int][]touch)
	lineageOf := make(map[string]int)
	nextLineage := 0

	lineageFor := func(path string) int {
		lid, ok := lineageOf[path]
		if !ok {
			lid = nextLineage
			nextLineage++
			lineageOf[path] = lid
		}
		return lid
	}

	for _, d := range deltas {
		for _, c := range d.Changes {
			if c.Status == stackmodel.StatusRenamed {
				lid := lineageFor(c.OldPath)
				delete(lineageOf, c.OldPath)
				lineageOf[c.Path] = lid
			}
			lid := lineageFor(c.Path)
			if g, ok := ownership[c.Path]; ok {
				touches[lid] = append(touches[lid], touch{group: g, commit: d.CommitID, path: c.Path})
			}
		}
	}

	var edges []stackmodel.ConstraintEdge
	for _, seq := range touches {
		var collapsed []touch
		for _, t := range seq {
			if len(collapsed) > 0 && collapsed[len(collapsed)-1].group == t.group {
				continue
			}
			collapsed = append(collapsed, t)
		}
		for i := 0; i+1 < len(collapsed); i++ {
			from, to := collapsed[i], collapsed[i+1]
			edges = append(edges, stackmodel.ConstraintEdge{
				From: from.group,
				To:   to.group,
				Kind: stackmodel.EdgePathOrder,
				Evidence: &stackmodel.PathOrderEvidence{
					Path:       to.path,
					FromCommit: from.commit,
					ToCommit:   to.commit,
				},
			})
		}
	}
	return edges
}

// synthesizeDependencyEdges emits an edge dep -> group for every declared
// dependency whose endpoints are both known groups (known = appears as the
// From or To of some pathEdge, or is itself a declaring/declared group).
func synthesizeDependencyEdges(declaredDeps map[string][]string, pathEdges []stackmodel.ConstraintEdge) []stackmodel.ConstraintEdge {
	known := make(map[string]struct{})
	for g := range declaredDeps {
		known[g] = struct{}{}
	}
	for _, deps := range declaredDeps {
		for _, d := range deps {
			known[d] = struct{}{}
		}
	}

	var edges []stackmodel.ConstraintEdge
	groups := make([]string, 0, len(declaredDeps))
	for g := range declaredDeps {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		deps := append([]string{}, declaredDeps[g]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := known[dep]; !ok {
				continue
			}
			if _, ok := known[g]; !ok {
				continue
			}
			edges = append(edges, stackmodel.ConstraintEdge{From: dep, To: g, Kind: stackmodel.EdgeDependency})
		}
	}
	return edges
}

// coalesce drops duplicate (from,to) pairs (keeping the first instance
// seen, preferring PathOrder evidence when both kinds exist for the same
// pair) and drops self-loops.
func coalesce(edges []stackmodel.ConstraintEdge) []stackmodel.ConstraintEdge {
	type key struct{ from, to string }
	best := make(map[key]stackmodel.ConstraintEdge)
	var order []key
	for _, e := range edges {
		if e.From == e.To {
			continue
		}
		k := key{e.From, e.To}
		if existing, ok := best[k]; ok {
			if existing.Kind == stackmodel.EdgePathOrder {
				continue
			}
			if e.Kind == stackmodel.EdgePathOrder {
				best[k] = e
			}
			continue
		}
		best[k] = e
		order = append(order, k)
	}
	out := make([]stackmodel.ConstraintEdge, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
