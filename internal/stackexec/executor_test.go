package stackexec_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/delta"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/planbuilder"
	"github.com/newpr-stacker/engine/internal/stackexec"
	"github.com/newpr-stacker/engine/internal/stackmodel"
	"github.com/newpr-stacker/engine/internal/testutil"
)

var errSimulatedCreateBranchFailure = errors.New("simulated create-branch failure")

func TestExecute_TwoGroupsProducesStackAndMatchesHeadTree(t *testing.T) {
	_, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	testutil.WriteFile(t, dir, "README.md", "readme\n")
	baseCommit := testutil.Commit(t, w, "base", base)

	testutil.WriteFile(t, dir, "auth.go", "package auth\n")
	testutil.Commit(t, w, "add auth", base.Add(time.Hour))

	testutil.WriteFile(t, dir, "api.go", "package api\n")
	head := testutil.Commit(t, w, "add api", base.Add(2*time.Hour))

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)

	ex := delta.New(store)
	deltas, err := ex.Extract(context.Background(), baseCommit, head)
	require.NoError(t, err)

	ownership := stackmodel.Ownership{
		"auth.go": "auth",
		"api.go":  "api",
	}
	edges := []stackmodel.ConstraintEdge{{From: "auth", To: "api", Kind: stackmodel.EdgeDependency}}
	order := []string{"auth", "api"}

	pb := planbuilder.New(store)
	plan, err := pb.Build(context.Background(), baseCommit, head, deltas, ownership, order, edges)
	require.NoError(t, err)
	plan.Groups[0].Kind = stackmodel.KindFeature
	plan.Groups[0].Description = "add auth module"
	plan.Groups[1].Kind = stackmodel.KindFeature
	plan.Groups[1].Description = "add api module"

	executor := stackexec.New(store)
	result, err := executor.Execute(context.Background(), baseCommit, head, plan, deltas, ownership, stackexec.Options{
		RunID:      "run-0001",
		PRNumber:   42,
		SourceSlug: "src",
		Author:     objstore.Identity{Name: "Bot", Email: "bot@example.com", When: base},
		Committer:  objstore.Identity{Name: "Bot", Email: "bot@example.com", When: base},
	})
	require.NoError(t, err)
	require.Len(t, result.GroupCommits, 2)
	require.NotEmpty(t, result.SourceCopyRef)

	headCommit, err := store.CommitByHash(context.Background(), head)
	require.NoError(t, err)
	require.Equal(t, headCommit.TreeHash, result.FinalTreeHash)

	// second group's commit must have the first group's commit as parent
	apiCommit, err := store.CommitByHash(context.Background(), result.GroupCommits[1].CommitHash)
	require.NoError(t, err)
	require.Equal(t, []string{result.GroupCommits[0].CommitHash}, apiCommit.ParentHashes)
}

// failingAfterNCreates wraps a Handle, lets the first N (allowed) calls to
// CreateBranch through and fails every call after that, simulating a mid-execution failure so the rollback path can be
// exercised deterministically.
type failingAfterNCreates struct {
	objstore.Handle
	allowed int
	created []string
}

func (f *failingAfterNCreates) CreateBranch(ctx context.Context, name, commitHash string) error {
	if len(f.created) >= f.allowed {
		return errSimulatedCreateBranchFailure
	}
	if err := f.Handle.CreateBranch(ctx, name, commitHash); err != nil {
		return err
	}
	f.created = append(f.created, name)
	return nil
}

func TestExecute_FailureRollsBackEveryCreatedRef(t *testing.T) {
	_, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	testutil.WriteFile(t, dir, "README.md", "readme\n")
	baseCommit := testutil.Commit(t, w, "base", base)

	testutil.WriteFile(t, dir, "auth.go", "package auth\n")
	testutil.Commit(t, w, "add auth", base.Add(time.Hour))

	testutil.WriteFile(t, dir, "api.go", "package api\n")
	head := testutil.Commit(t, w, "add api", base.Add(2*time.Hour))

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)

	ex := delta.New(store)
	deltas, err := ex.Extract(context.Background(), baseCommit, head)
	require.NoError(t, err)

	ownership := stackmodel.Ownership{
		"auth.go": "auth",
		"api.go":  "api",
	}
	edges := []stackmodel.ConstraintEdge{{From: "auth", To: "api", Kind: stackmodel.EdgeDependency}}
	order := []string{"auth", "api"}

	pb := planbuilder.New(store)
	plan, err := pb.Build(context.Background(), baseCommit, head, deltas, ownership, order, edges)
	require.NoError(t, err)

	// allow only the source-copy ref through; the first group's branch
	// creation then fails and must trigger a full rollback.
	failing := &failingAfterNCreates{Handle: store, allowed: 1}
	executor := stackexec.New(failing)
	_, err = executor.Execute(context.Background(), baseCommit, head, plan, deltas, ownership, stackexec.Options{
		RunID:      "run-0002",
		PRNumber:   7,
		SourceSlug: "src",
		Author:     objstore.Identity{Name: "Bot", Email: "bot@example.com", When: base},
		Committer:  objstore.Identity{Name: "Bot", Email: "bot@example.com", When: base},
	})
	require.Error(t, err)

	for _, ref := range failing.created {
		_, lookupErr := store.ResolveRef(context.Background(), ref)
		require.Error(t, lookupErr, "ref %q should have been rolled back", ref)
	}
}
