package delta_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/delta"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
	"github.com/newpr-stacker/engine/internal/testutil"
)

func TestExtractor_Extract_AddModifyRenameDelete(t *testing.T) {
	_, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	testutil.WriteFile(t, dir, "a.go", "package a\n")
	c1 := testutil.Commit(t, w, "add a.go", base)

	testutil.WriteFile(t, dir, "a.go", "package a\n\nfunc A() {}\n")
	c2 := testutil.Commit(t, w, "modify a.go", base.Add(time.Hour))

	testutil.RemoveFile(t, dir, "a.go")
	testutil.WriteFile(t, dir, "b.go", "package a\n\nfunc A() {}\n")
	c3 := testutil.Commit(t, w, "rename a.go to b.go", base.Add(2*time.Hour))

	testutil.RemoveFile(t, dir, "b.go")
	c4 := testutil.Commit(t, w, "delete b.go", base.Add(3*time.Hour))

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)

	ex := delta.New(store)
	deltas, err := ex.Extract(context.Background(), "", c4)
	require.NoError(t, err)
	require.Len(t, deltas, 4)

	require.Equal(t, c1, deltas[0].CommitID)
	require.Equal(t, c2, deltas[1].CommitID)
	require.Equal(t, c3, deltas[2].CommitID)
	require.Equal(t, c4, deltas[3].CommitID)

	require.Len(t, deltas[0].Changes, 1)
	require.Equal(t, stackmodel.StatusAdded, deltas[0].Changes[0].Status)

	require.Len(t, deltas[1].Changes, 1)
	require.Equal(t, stackmodel.StatusModified, deltas[1].Changes[0].Status)

	require.Len(t, deltas[2].Changes, 1)
	require.Equal(t, stackmodel.StatusRenamed, deltas[2].Changes[0].Status)
	require.Equal(t, "a.go", deltas[2].Changes[0].OldPath)
	require.Equal(t, "b.go", deltas[2].Changes[0].Path)

	require.Len(t, deltas[3].Changes, 1)
	require.Equal(t, stackmodel.StatusDeleted, deltas[3].Changes[0].Status)
}

func TestExtractor_Extract_ExcludesBaseExclusive(t *testing.T) {
	_, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	testutil.WriteFile(t, dir, "x.go", "x\n")
	c1 := testutil.Commit(t, w, "c1", base)

	testutil.WriteFile(t, dir, "y.go", "y\n")
	c2 := testutil.Commit(t, w, "c2", base.Add(time.Hour))

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)

	ex := delta.New(store)
	deltas, err := ex.Extract(context.Background(), c1, c2)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	require.Equal(t, c2, deltas[0].CommitID)
}

func TestExtractor_Extract_RejectsMergeCommit(t *testing.T) {
	repo, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bot := func(when time.Time) objstore.Identity {
		return objstore.Identity{Name: "Bot", Email: "bot@example.com", When: when}
	}

	testutil.WriteFile(t, dir, "a.go", "package a\n")
	c1 := testutil.Commit(t, w, "base", base)

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	c1Meta, err := store.CommitByHash(ctx, c1)
	require.NoError(t, err)
	entries, err := store.ReadTree(ctx, c1Meta.TreeHash)
	require.NoError(t, err)

	orphanTree, err := store.WriteTree(ctx, entries)
	require.NoError(t, err)
	orphanCommit, err := store.WriteCommit(ctx, orphanTree, nil, bot(base), bot(base), "unrelated history")
	require.NoError(t, err)

	testutil.WriteFile(t, dir, "b.go", "package b\n")
	mergeCommit := testutil.CommitMerge(t, repo, w, "merge unrelated history", base.Add(time.Hour), orphanCommit)

	ex := delta.New(store)
	_, err = ex.Extract(ctx, c1, mergeCommit)
	require.Error(t, err)
	require.True(t, stackerr.Is(err, stackerr.KindUnsupportedHistory))
}

func TestExtractor_Extract_RejectsSubmoduleMode(t *testing.T) {
	_, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bot := func(when time.Time) objstore.Identity {
		return objstore.Identity{Name: "Bot", Email: "bot@example.com", When: when}
	}

	testutil.WriteFile(t, dir, "a.go", "package a\n")
	c1 := testutil.Commit(t, w, "base", base)

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	c1Meta, err := store.CommitByHash(ctx, c1)
	require.NoError(t, err)
	baseEntries, err := store.ReadTree(ctx, c1Meta.TreeHash)
	require.NoError(t, err)
	require.NotEmpty(t, baseEntries)

	entries := append(append([]objstore.TreeEntry{}, baseEntries...), objstore.TreeEntry{
		Mode: stackmodel.ModeSubmodule,
		Blob: baseEntries[0].Blob,
		Path: "vendor/dep",
	})
	tree2, err := store.WriteTree(ctx, entries)
	require.NoError(t, err)

	when := base.Add(time.Hour)
	c2, err := store.WriteCommit(ctx, tree2, []string{c1}, bot(when), bot(when), "add submodule")
	require.NoError(t, err)

	ex := delta.New(store)
	_, err = ex.Extract(ctx, c1, c2)
	require.Error(t, err)
	require.True(t, stackerr.Is(err, stackerr.KindUnsupportedHistory))
}

func TestExtractor_Extract_RejectsSymlinkMode(t *testing.T) {
	_, w, dir := testutil.SetupTestGitRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bot := func(when time.Time) objstore.Identity {
		return objstore.Identity{Name: "Bot", Email: "bot@example.com", When: when}
	}

	testutil.WriteFile(t, dir, "a.go", "package a\n")
	c1 := testutil.Commit(t, w, "base", base)

	store, err := objstore.Open(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	c1Meta, err := store.CommitByHash(ctx, c1)
	require.NoError(t, err)
	baseEntries, err := store.ReadTree(ctx, c1Meta.TreeHash)
	require.NoError(t, err)
	require.NotEmpty(t, baseEntries)

	entries := append(append([]objstore.TreeEntry{}, baseEntries...), objstore.TreeEntry{
		Mode: stackmodel.ModeSymlink,
		Blob: baseEntries[0].Blob,
		Path: "link-to-a",
	})
	tree2, err := store.WriteTree(ctx, entries)
	require.NoError(t, err)

	when := base.Add(time.Hour)
	c2, err := store.WriteCommit(ctx, tree2, []string{c1}, bot(when), bot(when), "add symlink")
	require.NoError(t, err)

	ex := delta.New(store)
	_, err = ex.Extract(ctx, c1, c2)
	require.Error(t, err)
	require.True(t, stackerr.Is(err, stackerr.KindUnsupportedHistory))
}

func TestRenameMap(t *testing.T) {
	deltas := []stackmodel.Delta{
		{Changes: []stackmodel.FileChange{
			{Status: stackmodel.StatusRenamed, Path: "new.go", OldPath: "old.go"},
			{Status: stackmodel.StatusAdded, Path: "added.go"},
		}},
	}
	rm := delta.RenameMap(deltas)
	require.Equal(t, map[string]string{"old.go": "new.go"}, rm)
}

func TestAllPaths_DedupesAndIncludesOldPaths(t *testing.T) {
	deltas := []stackmodel.Delta{
		{Changes: []stackmodel.FileChange{
			{Status: stackmodel.StatusAdded, Path: "a.go"},
		}},
		{Changes: []stackmodel.FileChange{
			{Status: stackmodel.StatusRenamed, Path: "b.go", OldPath: "a.go"},
		}},
	}
	paths := delta.AllPaths(deltas)
	require.ElementsMatch(t, []string{"a.go", "b.go"}, paths)
}
