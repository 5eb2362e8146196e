// Package stackexec implements the Stack Executor (C5): it materializes
// trees, commits, and branch references in the object store, validating
// each tree against the plan before writing anything durable.
package stackexec

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/newpr-stacker/engine/internal/logfields"
	"github.com/newpr-stacker/engine/internal/metrics"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/planbuilder"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// Options configures one execution of the stack.
type Options struct {
	RunID      string
	PRNumber   int
	SourceSlug string
	Author     objstore.Identity
	Committer  objstore.Identity
}

// Executor runs C5 against an object-store handle.
type Executor struct {
	Store    objstore.Handle
	Planner  *planbuilder.Builder
	Recorder metrics.Recorder
}

// New returns an Executor bound to the given object-store handle.
func New(store objstore.Handle) *Executor {
	return &Executor{Store: store, Planner: planbuilder.New(store), Recorder: metrics.NoopRecorder{}}
}

// Execute materializes the plan's groups as a stack of commits and branch
// references. It re-runs the plan-builder simulation first and fails fast
// with KindPlanMismatch if any group's freshly-computed tree disagrees
// with the plan — that indicates a bug between C4 and C5, not a user
// error. Any failure after that point rolls back every branch reference
// created so far, best-effort.
func (e *Executor) Execute(ctx context.Context, base, head string, plan planbuilder.StackPlan, deltas []stackmodel.Delta, ownership stackmodel.Ownership, opts Options) (stackmodel.StackResult, error) {
	orderedGroupIDs := make([]string, len(plan.Groups))
	for _, g := range plan.Groups {
		orderedGroupIDs[g.Order] = g.ID
	}

	if err := e.verifyAgainstPlan(ctx, base, head, plan, deltas, ownership, orderedGroupIDs); err != nil {
		return stackmodel.StackResult{}, err
	}

	var createdRefs []string
	rollback := func() {
		if len(createdRefs) == 0 {
			return
		}
		for _, ref := range createdRefs {
			if err := e.Store.DeleteBranch(context.Background(), ref); err != nil {
				slog.Warn("rollback: failed to delete branch ref", logfields.Branch(ref), slog.String("error", err.Error()))
			}
		}
		e.Recorder.IncRollback("execute")
	}

	sourceCopyRef := fmt.Sprintf("newpr-stack/source-copy/pr-%d/%s", opts.PRNumber, shortID(opts.RunID))
	if err := e.Store.CreateBranch(ctx, sourceCopyRef, head); err != nil {
		return stackmodel.StackResult{}, stackerr.Wrap(err, stackerr.KindObjectStore, "create source copy ref")
	}
	createdRefs = append(createdRefs, sourceCopyRef)

	commitHashByGroup := make(map[string]string, len(orderedGroupIDs))
	groupCommits := make([]stackmodel.GroupCommit, 0, len(orderedGroupIDs))

	for i, gid := range orderedGroupIDs {
		if ctx.Err() != nil {
			rollback()
			return stackmodel.StackResult{}, stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "stack execution canceled")
		}

		group := plan.Groups[i]
		parentHashes := parentCommitHashes(plan.DAGParents[gid], commitHashByGroup, base)

		message := commitMessage(group)
		commitHash, err := e.Store.WriteCommit(ctx, group.ExpectedTree, parentHashes, opts.Author, opts.Committer, message)
		if err != nil {
			rollback()
			return stackmodel.StackResult{}, stackerr.Wrap(err, stackerr.KindObjectStore, "write group commit").WithContext(logfields.KeyGroup, gid)
		}
		commitHashByGroup[gid] = commitHash

		branchRef := branchName(opts.PRNumber, opts.SourceSlug, i, group)
		if err := e.Store.CreateBranch(ctx, branchRef, commitHash); err != nil {
			rollback()
			return stackmodel.StackResult{}, stackerr.Wrap(err, stackerr.KindObjectStore, "create group branch ref").WithContext(logfields.KeyGroup, gid)
		}
		createdRefs = append(createdRefs, branchRef)

		groupCommits = append(groupCommits, stackmodel.GroupCommit{
			GroupID:    gid,
			CommitHash: commitHash,
			TreeHash:   group.ExpectedTree,
			BranchRef:  branchRef,
		})
	}

	var finalTree string
	if len(groupCommits) > 0 {
		finalTree = groupCommits[len(groupCommits)-1].TreeHash
	}

	return stackmodel.StackResult{
		RunID:         opts.RunID,
		SourceCopyRef: sourceCopyRef,
		GroupCommits:  groupCommits,
		FinalTreeHash: finalTree,
	}, nil
}

// verifyAgainstPlan re-runs the plan-builder simulation and fails fast if
// any group's tree disagrees with the plan.
func (e *Executor) verifyAgainstPlan(ctx context.Context, base, head string, plan planbuilder.StackPlan, deltas []stackmodel.Delta, ownership stackmodel.Ownership, orderedGroupIDs []string) error {
	edges := make([]stackmodel.ConstraintEdge, 0, len(plan.DAGParents))
	for g, parents := range plan.DAGParents {
		for _, p := range parents {
			edges = append(edges, stackmodel.ConstraintEdge{From: p, To: g, Kind: stackmodel.EdgeDependency})
		}
	}

	fresh, err := e.Planner.Build(ctx, base, head, deltas, ownership, orderedGroupIDs, edges)
	if err != nil {
		return err
	}
	for _, gid := range orderedGroupIDs {
		if fresh.ExpectedTree[gid] != plan.ExpectedTree[gid] {
			return stackerr.New(stackerr.KindPlanMismatch, "executed tree does not match planned expected tree").
				WithContext(logfields.KeyGroup, gid).
				WithContext("planned", plan.ExpectedTree[gid]).
				WithContext("recomputed", fresh.ExpectedTree[gid])
		}
	}
	return nil
}

func parentCommitHashes(dagParents []string, resolved map[string]string, base string) []string {
	if len(dagParents) == 0 {
		if base == "" {
			return nil
		}
		return []string{base}
	}
	out := make([]string, 0, len(dagParents))
	for _, p := range dagParents {
		if h, ok := resolved[p]; ok {
			out = append(out, h)
		}
	}
	return out
}

func commitMessage(g stackmodel.StackGroup) string {
	slug := slugify(g.ID)
	desc := g.Description
	if desc == "" {
		desc = g.ID
	}
	return fmt.Sprintf("%s(%s): %s", string(g.Kind), slug, desc)
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	lowered := strings.ToLower(s)
	slug := nonSlugChars.ReplaceAllString(lowered, "-")
	return strings.Trim(slug, "-")
}

func shortID(id string) string {
	if len(id) >= 6 {
		return id[:6]
	}
	return id
}

// branchName builds newpr-stack/pr-<N>/<sourceSlug>/<NN-orderedIndex>-<kindSlug>-<topicSlug>-<random6>.
func branchName(prNumber int, sourceSlug string, orderedIndex int, g stackmodel.StackGroup) string {
	kindSlug := slugify(string(g.Kind))
	topicSlug := slugify(g.ID)
	random := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("newpr-stack/pr-%d/%s/%02d-%s-%s-%s", prNumber, sourceSlug, orderedIndex, kindSlug, topicSlug, random)
}
