// Package planbuilder implements the Plan Builder (C4): for each group it
// computes the exact tree hash the stack must reach at that position, by
// replaying every FileChange across N parallel in-memory scratch indices,
// one per group, propagated along DAG-ancestor lines.
package planbuilder

import (
	"context"
	"sort"

	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// StackPlan is C4's output: one expected tree per group plus the DAG
// parent/ancestor structure the executor needs to build parent commit
// references. Each StackGroup's Stats summarize the lines and files it
// owns across the whole delta range, independent of where the executor
// ends up materializing it.
type StackPlan struct {
	Base         string
	Head         string
	Groups       []stackmodel.StackGroup
	ExpectedTree map[string]string   // group_id -> tree hash
	AncestorSets map[string][]string // group_id -> sorted ancestor group ids
	DAGParents   map[string][]string // group_id -> sorted direct parent group ids
}

// indexEntry is one (mode, blob) pair held in a scratch index.
type indexEntry struct {
	mode string
	blob string
}

// Builder computes StackPlans against an object-store handle.
type Builder struct {
	Store objstore.Handle
}

// New returns a Builder bound to the given object-store handle.
func New(store objstore.Handle) *Builder {
	return &Builder{Store: store}
}

// Build computes the plan. orderedGroupIDs must be the feasibility
// analyzer's deterministic topological order; edges is the coalesced
// constraint edge list it produced.
func (b *Builder) Build(ctx context.Context, base, head string, deltas []stackmodel.Delta, ownership stackmodel.Ownership, orderedGroupIDs []string, edges []stackmodel.ConstraintEdge) (StackPlan, error) {
	dagParents := deriveDAGParents(orderedGroupIDs, edges)
	ancestorSets := computeAncestorSets(orderedGroupIDs, dagParents)

	baseEntries, err := b.readBaseEntries(ctx, base)
	if err != nil {
		return StackPlan{}, err
	}

	indices := make(map[string]map[string]indexEntry, len(orderedGroupIDs))
	for _, g := range orderedGroupIDs {
		indices[g] = seedIndex(baseEntries)
	}

	for _, d := range deltas {
		if ctx.Err() != nil {
			return StackPlan{}, stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "plan build canceled")
		}
		for _, c := range d.Changes {
			owner, ok := ownership[c.Path]
			if !ok {
				continue
			}
			for _, g := range orderedGroupIDs {
				if g != owner && !contains(ancestorSets[g], owner) {
					continue
				}
				applyChange(indices[g], c)
			}
		}
	}

	groupStats, err := b.computeGroupStats(ctx, deltas, ownership)
	if err != nil {
		return StackPlan{}, err
	}

	expected := make(map[string]string, len(orderedGroupIDs))
	filesByGroup := groupFiles(deltas, ownership)
	groups := make([]stackmodel.StackGroup, 0, len(orderedGroupIDs))
	for i, g := range orderedGroupIDs {
		entries := flattenIndex(indices[g])
		hash, err := b.Store.WriteTree(ctx, entries)
		if err != nil {
			return StackPlan{}, err
		}
		expected[g] = hash
		groups = append(groups, stackmodel.StackGroup{
			ID:           g,
			Order:        i,
			Files:        filesByGroup[g],
			Deps:         dagParents[g],
			ExpectedTree: hash,
			Stats:        groupStats[g],
		})
	}

	return StackPlan{
		Base:         base,
		Head:         head,
		Groups:       groups,
		ExpectedTree: expected,
		AncestorSets: ancestorSets,
		DAGParents:   dagParents,
	}, nil
}

// computeGroupStats tallies each group's owned file changes and line counts
// across every delta, by diffing each commit against its parent through the
// object store and attributing per-path line stats to the path's owner.
func (b *Builder) computeGroupStats(ctx context.Context, deltas []stackmodel.Delta, ownership stackmodel.Ownership) (map[string]stackmodel.GroupStats, error) {
	out := make(map[string]stackmodel.GroupStats)
	for _, d := range deltas {
		if ctx.Err() != nil {
			return nil, stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "plan build canceled")
		}
		lineStats, err := b.Store.DiffStat(ctx, d.ParentID, d.CommitID)
		if err != nil {
			return nil, err
		}
		for _, c := range d.Changes {
			owner, ok := ownership[c.Path]
			if !ok {
				continue
			}
			stats := out[owner]
			switch c.Status {
			case stackmodel.StatusAdded:
				stats.FilesAdded++
			case stackmodel.StatusModified, stackmodel.StatusRenamed:
				stats.FilesModified++
			case stackmodel.StatusDeleted:
				stats.FilesDeleted++
			}
			if ls, ok := lineStats[c.Path]; ok {
				stats.Additions += ls.Additions
				stats.Deletions += ls.Deletions
			} else if c.OldPath != "" {
				if ls, ok := lineStats[c.OldPath]; ok {
					stats.Additions += ls.Additions
					stats.Deletions += ls.Deletions
				}
			}
			out[owner] = stats
		}
	}
	return out, nil
}

func (b *Builder) readBaseEntries(ctx context.Context, base string) ([]objstore.TreeEntry, error) {
	if base == "" {
		return nil, nil
	}
	commit, err := b.Store.CommitByHash(ctx, base)
	if err != nil {
		return nil, err
	}
	return b.Store.ReadTree(ctx, commit.TreeHash)
}

func seedIndex(entries []objstore.TreeEntry) map[string]indexEntry {
	idx := make(map[string]indexEntry, len(entries))
	for _, e := range entries {
		idx[e.Path] = indexEntry{mode: e.Mode, blob: e.Blob}
	}
	return idx
}

// applyChange mutates a scratch index per the C4 apply semantics: Added
// and Modified set the new (mode, blob) at path; Deleted clears path;
// Renamed clears old_path and sets the new entry at path.
func applyChange(idx map[string]indexEntry, c stackmodel.FileChange) {
	switch c.Status {
	case stackmodel.StatusAdded, stackmodel.StatusModified:
		idx[c.Path] = indexEntry{mode: c.NewMode, blob: c.NewBlob}
	case stackmodel.StatusDeleted:
		delete(idx, c.Path)
	case stackmodel.StatusRenamed:
		delete(idx, c.OldPath)
		idx[c.Path] = indexEntry{mode: c.NewMode, blob: c.NewBlob}
	}
}

func flattenIndex(idx map[string]indexEntry) []objstore.TreeEntry {
	out := make([]objstore.TreeEntry, 0, len(idx))
	for path, e := range idx {
		out = append(out, objstore.TreeEntry{Mode: e.mode, Blob: e.blob, Path: path})
	}
	return out
}

// deriveDAGParents computes, for each group, its explicit DAG parents from
// the constraint edges (incoming edges' From side), defaulting to the
// immediately preceding group in topological order when a group has no
// explicit parent.
func deriveDAGParents(orderedGroupIDs []string, edges []stackmodel.ConstraintEdge) map[string][]string {
	parents := make(map[string]map[string]struct{}, len(orderedGroupIDs))
	for _, g := range orderedGroupIDs {
		parents[g] = make(map[string]struct{})
	}
	for _, e := range edges {
		if _, ok := parents[e.To]; ok {
			parents[e.To][e.From] = struct{}{}
		}
	}

	out := make(map[string][]string, len(orderedGroupIDs))
	for i, g := range orderedGroupIDs {
		var list []string
		for p := range parents[g] {
			list = append(list, p)
		}
		if len(list) == 0 && i > 0 {
			list = []string{orderedGroupIDs[i-1]}
		}
		sort.Strings(list)
		out[g] = list
	}
	return out
}

// computeAncestorSets is the transitive closure of DAGParents, computed by
// BFS per group.
func computeAncestorSets(orderedGroupIDs []string, dagParents map[string][]string) map[string][]string {
	out := make(map[string][]string, len(orderedGroupIDs))
	for _, g := range orderedGroupIDs {
		visited := make(map[string]struct{})
		queue := append([]string{}, dagParents[g]...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}
			queue = append(queue, dagParents[cur]...)
		}
		list := make([]string, 0, len(visited))
		for a := range visited {
			list = append(list, a)
		}
		sort.Strings(list)
		out[g] = list
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// groupFiles buckets every path touched across deltas by its owning group,
// deduplicated and sorted, for display on the resulting StackGroup.
func groupFiles(deltas []stackmodel.Delta, ownership stackmodel.Ownership) map[string][]string {
	seen := make(map[string]map[string]struct{})
	for _, d := range deltas {
		for _, c := range d.Changes {
			g, ok := ownership[c.Path]
			if !ok {
				continue
			}
			if seen[g] == nil {
				seen[g] = make(map[string]struct{})
			}
			seen[g][c.Path] = struct{}{}
		}
	}
	out := make(map[string][]string, len(seen))
	for g, set := range seen {
		list := make([]string, 0, len(set))
		for p := range set {
			list = append(list, p)
		}
		sort.Strings(list)
		out[g] = list
	}
	return out
}
