package objstore

import (
	"context"
	"sort"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"
)

func newMemGitRepo(t *testing.T) *GitRepo {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	return &GitRepo{repo: repo}
}

func TestWriteTree_RoundTripsThroughReadTree(t *testing.T) {
	g := newMemGitRepo(t)
	ctx := context.Background()

	blobA := writeBlob(t, g, "package a\n")
	blobB := writeBlob(t, g, "package b\n")
	blobC := writeBlob(t, g, "# readme\n")

	entries := []TreeEntry{
		{Mode: "100644", Blob: blobA, Path: "pkg/a.go"},
		{Mode: "100644", Blob: blobB, Path: "pkg/sub/b.go"},
		{Mode: "100644", Blob: blobC, Path: "README.md"},
	}

	hash, err := g.WriteTree(ctx, entries)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	got, err := g.ReadTree(ctx, hash)
	require.NoError(t, err)
	require.Len(t, got, 3)

	sort.Slice(got, func(i, j int) bool { return got[i].Path < got[j].Path })
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for i := range entries {
		require.Equal(t, entries[i].Path, got[i].Path)
		require.Equal(t, entries[i].Blob, got[i].Blob)
		require.Equal(t, entries[i].Mode, got[i].Mode)
	}
}

func TestWriteTree_DeterministicHash(t *testing.T) {
	g := newMemGitRepo(t)
	ctx := context.Background()
	blob := writeBlob(t, g, "content\n")

	entries := []TreeEntry{
		{Mode: "100644", Blob: blob, Path: "b.txt"},
		{Mode: "100644", Blob: blob, Path: "a.txt"},
	}

	h1, err := g.WriteTree(ctx, entries)
	require.NoError(t, err)

	// reversed input order must not change the resulting hash: the writer
	// sorts entries itself using git's canonical tree order.
	reversed := []TreeEntry{entries[1], entries[0]}
	h2, err := g.WriteTree(ctx, reversed)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func writeBlob(t *testing.T, g *GitRepo, content string) string {
	t.Helper()
	obj := g.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	h, err := g.repo.Storer.SetEncodedObject(obj)
	require.NoError(t, err)
	return h.String()
}
