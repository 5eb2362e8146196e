// Package objstore wraps a local content-addressed Git repository as the
// object-store handle the pipeline is built against. Reads go through
// go-git; the rename-aware raw tree-diff shells out to the git binary the
// way the teacher's rename detectors do, since go-git's tree differ does
// not expose content-similarity rename detection.
package objstore

import (
	"context"
	"time"

	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// TreeEntry is one (mode, blob, path) row of a recursively-flattened tree.
type TreeEntry struct {
	Mode string // octal git mode, e.g. "100644"
	Blob string // 40-hex blob id
	Path string // full path relative to the tree root
}

// Identity is an author or committer identity for a synthesized commit.
type Identity struct {
	Name  string
	Email string
	When  time.Time
}

// CommitMeta is commit metadata plus its tree and parent hashes.
type CommitMeta struct {
	Hash         string
	ParentHashes []string
	Author       string
	Date         time.Time
	Message      string
	TreeHash     string
}

// RawChange is one parsed row of a rename-aware raw tree-diff between two
// commits, before being lifted into a stackmodel.FileChange.
type RawChange struct {
	Status  stackmodel.ChangeStatus
	Path    string
	OldPath string
	OldBlob string
	NewBlob string
	OldMode string
	NewMode string
}

// LineStat is a per-path line-addition/deletion count, keyed by the path's
// new-side name (the rename target, for renames).
type LineStat struct {
	Additions int
	Deletions int
}

// Handle is the object-store interface the pipeline is built against.
// Implementations are read-mostly; writes are additive (new objects, new
// references).
type Handle interface {
	// CommitRange resolves the first-parent linear sequence from
	// exclusive base to inclusive head, oldest first. Returns an
	// UnsupportedHistory error (via stackerr) if any commit in the range
	// has more than one parent.
	CommitRange(ctx context.Context, base, head string) ([]CommitMeta, error)

	// CommitByHash reads a single commit's metadata.
	CommitByHash(ctx context.Context, hash string) (CommitMeta, error)

	// ReadTree recursively reads a tree object as a flat list of
	// (mode, blob, path) entries.
	ReadTree(ctx context.Context, treeHash string) ([]TreeEntry, error)

	// WriteTree constructs a new tree object (and the subtree objects it
	// requires) from a flat entry list and returns its hash.
	WriteTree(ctx context.Context, entries []TreeEntry) (string, error)

	// WriteCommit constructs a new commit object and returns its hash.
	WriteCommit(ctx context.Context, tree string, parents []string, author, committer Identity, message string) (string, error)

	// DiffRange reads the rename-aware raw tree-diff between two commits
	// (from -> to). Used by the extractor to diff a commit against its
	// first parent.
	DiffRange(ctx context.Context, from, to string) ([]RawChange, error)

	// DiffStat reads per-path line addition/deletion counts between two
	// commits (from -> to), keyed by the new-side path. Used by the plan
	// builder to populate each StackGroup's Stats.
	DiffStat(ctx context.Context, from, to string) (map[string]LineStat, error)

	// CreateBranch creates (or overwrites) a branch reference pointing at
	// commitHash.
	CreateBranch(ctx context.Context, name string, commitHash string) error

	// DeleteBranch removes a branch reference. Used for rollback; must
	// not error if the branch does not exist.
	DeleteBranch(ctx context.Context, name string) error

	// ResolveRef resolves a revision expression (branch name, tag, HEAD,
	// short hash, etc.) to a full 40-hex commit hash, the way callers
	// outside the core (the CLI) turn a user-supplied base/head into the
	// literal hashes every other Handle method expects.
	ResolveRef(ctx context.Context, rev string) (string, error)
}
