// Package testutil provides shared on-disk git fixture helpers used by
// package-level tests across the pipeline.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// SetupTestGitRepo initializes a temporary on-disk git repository for
// testing and returns the repository, its worktree, and the repo path.
func SetupTestGitRepo(t *testing.T) (*git.Repository, *git.Worktree, string) {
	t.Helper()

	tempDir := t.TempDir()

	repo, err := git.PlainInit(tempDir, false)
	require.NoError(t, err)

	w, err := repo.Worktree()
	require.NoError(t, err)

	return repo, w, tempDir
}

// WriteFile writes content to path relative to repoDir, creating parent
// directories as needed.
func WriteFile(t *testing.T, repoDir, relPath, content string) {
	t.Helper()
	full := filepath.Join(repoDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// RemoveFile removes a file relative to repoDir.
func RemoveFile(t *testing.T, repoDir, relPath string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(repoDir, relPath)))
}

// Commit stages everything in the worktree and commits it with a fixed,
// deterministic author/committer signature, returning the commit hash.
func Commit(t *testing.T, w *git.Worktree, message string, when time.Time) string {
	t.Helper()
	_, err := w.Add(".")
	require.NoError(t, err)
	sig := &object.Signature{Name: "Test Author", Email: "test@example.com", When: when}
	hash, err := w.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash.String()
}

// CommitMerge stages everything in the worktree and commits it as a merge
// commit whose parents are the current HEAD plus otherParent, for
// exercising merge-commit rejection in the delta extractor.
func CommitMerge(t *testing.T, repo *git.Repository, w *git.Worktree, message string, when time.Time, otherParent string) string {
	t.Helper()
	_, err := w.Add(".")
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)

	sig := &object.Signature{Name: "Test Author", Email: "test@example.com", When: when}
	hash, err := w.Commit(message, &git.CommitOptions{
		Author:    sig,
		Committer: sig,
		Parents:   []plumbing.Hash{head.Hash(), plumbing.NewHash(otherParent)},
	})
	require.NoError(t, err)
	return hash.String()
}

// WriteSymlink creates a symlink at path relative to repoDir, for exercising
// symlink-mode rejection in the delta extractor.
func WriteSymlink(t *testing.T, repoDir, relPath, target string) {
	t.Helper()
	full := filepath.Join(repoDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.Symlink(target, full))
}
