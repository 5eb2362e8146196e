package objstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/newpr-stacker/engine/internal/logfields"
	"github.com/newpr-stacker/engine/internal/stackerr"
)

// RetryConfig configures backoff for object-store I/O. Mirrors the shape of
// the pipeline's engine-level retry configuration so callers can pass that
// straight through.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      string // "linear" or "exponential"
}

// GitRepo is the go-git-backed Handle implementation. It operates against a
// single local, already-initialized repository.
type GitRepo struct {
	path string
	repo *git.Repository
	cfg  *RetryConfig
}

// Open opens an existing local repository at path.
func Open(path string, cfg *RetryConfig) (*GitRepo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, stackerr.Wrap(err, stackerr.KindObjectStore, "open repository").AsRetryable()
	}
	return &GitRepo{path: path, repo: repo, cfg: cfg}, nil
}

// withRetry retries fn according to the configured backoff policy, mirroring
// the object-store's documented tolerance for transient I/O failures.
func (g *GitRepo) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 0
	initial := 200 * time.Millisecond
	maxDelay := 5 * time.Second
	backoff := "exponential"
	if g.cfg != nil {
		maxRetries = g.cfg.MaxRetries
		if g.cfg.InitialDelay > 0 {
			initial = g.cfg.InitialDelay
		}
		if g.cfg.MaxDelay > 0 {
			maxDelay = g.cfg.MaxDelay
		}
		if g.cfg.Backoff != "" {
			backoff = g.cfg.Backoff
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "object store operation canceled")
		}
		if attempt > 0 {
			slog.Warn("retrying object store operation", logfields.Stage(op), slog.Int("attempt", attempt))
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(backoff, attempt, initial, maxDelay)
		time.Sleep(delay)
	}
	return stackerr.Wrap(lastErr, stackerr.KindObjectStore, fmt.Sprintf("%s failed after retries", op)).AsRetryable()
}

func backoffDelay(strategy string, attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	var d time.Duration
	switch strings.ToLower(strategy) {
	case "linear":
		d = time.Duration(attempt+1) * initial
	case "exponential":
		d = initial * (1 << attempt)
	default:
		d = initial
	}
	if d > max {
		return max
	}
	return d
}

func (g *GitRepo) CommitByHash(ctx context.Context, hash string) (CommitMeta, error) {
	var meta CommitMeta
	err := g.withRetry(ctx, "read commit", func() error {
		c, err := g.repo.CommitObject(plumbing.NewHash(hash))
		if err != nil {
			return err
		}
		meta = commitToMeta(c)
		return nil
	})
	return meta, err
}

func commitToMeta(c *object.Commit) CommitMeta {
	parents := make([]string, 0, c.NumParents())
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	author := c.Author.Name
	if author == "" {
		author = "Unknown"
	}
	date := c.Author.When
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return CommitMeta{
		Hash:         c.Hash.String(),
		ParentHashes: parents,
		Author:       author,
		Date:         date,
		Message:      c.Message,
		TreeHash:     c.TreeHash.String(),
	}
}

// CommitRange resolves the first-parent linear sequence from exclusive base
// to inclusive head, oldest first. A merge commit anywhere in the range is
// rejected as unsupported history.
func (g *GitRepo) CommitRange(ctx context.Context, base, head string) ([]CommitMeta, error) {
	var baseHash plumbing.Hash
	if base != "" {
		baseHash = plumbing.NewHash(base)
	}

	var out []CommitMeta
	cur := plumbing.NewHash(head)
	for {
		if ctx.Err() != nil {
			return nil, stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "commit range walk canceled")
		}
		if base != "" && cur == baseHash {
			break
		}
		c, err := g.repo.CommitObject(cur)
		if err != nil {
			return nil, stackerr.Wrap(err, stackerr.KindObjectStore, "read commit during range walk").AsRetryable()
		}
		if c.NumParents() > 1 {
			return nil, stackerr.New(stackerr.KindUnsupportedHistory, "merge commit in source range").
				WithContext(logfields.KeyCommit, c.Hash.String())
		}
		out = append(out, commitToMeta(c))
		if c.NumParents() == 0 {
			if base != "" {
				return nil, stackerr.New(stackerr.KindUnsupportedHistory, "base commit not reachable from head via first-parent history").
					WithContext("base", base).WithContext("head", head)
			}
			break
		}
		cur = c.ParentHashes[0]
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ReadTree recursively flattens a tree object into (mode, blob, path) rows.
func (g *GitRepo) ReadTree(ctx context.Context, treeHash string) ([]TreeEntry, error) {
	var entries []TreeEntry
	err := g.withRetry(ctx, "read tree", func() error {
		entries = nil
		t, err := g.repo.TreeObject(plumbing.NewHash(treeHash))
		if err != nil {
			return err
		}
		walker := object.NewTreeWalker(t, true, nil)
		defer walker.Close()
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			name, entry, err := walker.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if entry.Mode == filemode.Dir {
				continue
			}
			entries = append(entries, TreeEntry{
				Mode: modeToOctal(entry.Mode),
				Blob: entry.Hash.String(),
				Path: name,
			})
		}
		return nil
	})
	return entries, err
}

func modeToOctal(m filemode.FileMode) string {
	return m.String()
}

// WriteTree constructs a new tree object (and the subtree objects beneath
// it) from a flat entry list using git's canonical tree entry ordering
// (directories sort as if suffixed with "/"), so a tree built from an
// unmodified set of entries hashes identically to the tree it was read
// from.
func (g *GitRepo) WriteTree(ctx context.Context, entries []TreeEntry) (string, error) {
	root := buildTreeNode()
	for _, e := range entries {
		insertEntry(root, strings.Split(e.Path, "/"), e)
	}

	var hash string
	err := g.withRetry(ctx, "write tree", func() error {
		h, err := writeTreeNode(g.repo, root)
		if err != nil {
			return err
		}
		hash = h
		return nil
	})
	return hash, err
}

type treeNode struct {
	files map[string]TreeEntry
	dirs  map[string]*treeNode
}

func buildTreeNode() *treeNode {
	return &treeNode{files: map[string]TreeEntry{}, dirs: map[string]*treeNode{}}
}

func insertEntry(node *treeNode, parts []string, e TreeEntry) {
	if len(parts) == 1 {
		node.files[parts[0]] = e
		return
	}
	child, ok := node.dirs[parts[0]]
	if !ok {
		child = buildTreeNode()
		node.dirs[parts[0]] = child
	}
	insertEntry(child, parts[1:], e)
}

func writeTreeNode(repo *git.Repository, node *treeNode) (string, error) {
	type row struct {
		name  string
		mode  filemode.FileMode
		hash  plumbing.Hash
		isDir bool
	}
	rows := make([]row, 0, len(node.files)+len(node.dirs))

	for name, e := range node.files {
		mode, err := filemode.New(e.Mode)
		if err != nil {
			return "", fmt.Errorf("invalid file mode %q for %s: %w", e.Mode, e.Path, err)
		}
		rows = append(rows, row{name: name, mode: mode, hash: plumbing.NewHash(e.Blob)})
	}
	for name, child := range node.dirs {
		childHash, err := writeTreeNode(repo, child)
		if err != nil {
			return "", err
		}
		rows = append(rows, row{name: name, mode: filemode.Dir, hash: plumbing.NewHash(childHash), isDir: true})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].name, rows[j].name
		if rows[i].isDir {
			a += "/"
		}
		if rows[j].isDir {
			b += "/"
		}
		return a < b
	})

	t := &object.Tree{}
	for _, r := range rows {
		t.Entries = append(t.Entries, object.TreeEntry{Name: r.name, Mode: r.mode, Hash: r.hash})
	}

	obj := repo.Storer.NewEncodedObject()
	if err := t.Encode(obj); err != nil {
		return "", err
	}
	h, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// WriteCommit constructs and stores a new commit object.
func (g *GitRepo) WriteCommit(ctx context.Context, tree string, parents []string, author, committer Identity, message string) (string, error) {
	var hash string
	err := g.withRetry(ctx, "write commit", func() error {
		parentHashes := make([]plumbing.Hash, 0, len(parents))
		for _, p := range parents {
			parentHashes = append(parentHashes, plumbing.NewHash(p))
		}
		c := &object.Commit{
			Author: object.Signature{
				Name:  author.Name,
				Email: author.Email,
				When:  author.When,
			},
			Committer: object.Signature{
				Name:  committer.Name,
				Email: committer.Email,
				When:  committer.When,
			},
			Message:      message,
			TreeHash:     plumbing.NewHash(tree),
			ParentHashes: parentHashes,
		}
		obj := g.repo.Storer.NewEncodedObject()
		if err := c.Encode(obj); err != nil {
			return err
		}
		h, err := g.repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return err
		}
		hash = h.String()
		return nil
	})
	return hash, err
}

// DiffStat computes per-path line addition/deletion counts between two
// commits via go-git's tree differ and patch stats. from may be empty to
// diff against the empty tree (a root commit), mirroring DiffRange.
func (g *GitRepo) DiffStat(ctx context.Context, from, to string) (map[string]LineStat, error) {
	var stats map[string]LineStat
	err := g.withRetry(ctx, "diff stat", func() error {
		toCommit, err := g.repo.CommitObject(plumbing.NewHash(to))
		if err != nil {
			return err
		}
		toTree, err := toCommit.Tree()
		if err != nil {
			return err
		}

		var fromTree *object.Tree
		if from != "" {
			fromCommit, err := g.repo.CommitObject(plumbing.NewHash(from))
			if err != nil {
				return err
			}
			fromTree, err = fromCommit.Tree()
			if err != nil {
				return err
			}
		}

		changes, err := object.DiffTree(fromTree, toTree)
		if err != nil {
			return err
		}
		patch, err := changes.Patch()
		if err != nil {
			return err
		}

		fileStats := patch.Stats()
		stats = make(map[string]LineStat, len(fileStats))
		for _, fs := range fileStats {
			stats[fs.Name] = LineStat{Additions: fs.Addition, Deletions: fs.Deletion}
		}
		return nil
	})
	return stats, err
}

func (g *GitRepo) CreateBranch(ctx context.Context, name string, commitHash string) error {
	return g.withRetry(ctx, "create branch", func() error {
		ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(commitHash))
		return g.repo.Storer.SetReference(ref)
	})
}

func (g *GitRepo) DeleteBranch(ctx context.Context, name string) error {
	return g.withRetry(ctx, "delete branch", func() error {
		refName := plumbing.NewBranchReferenceName(name)
		if _, err := g.repo.Reference(refName, false); err != nil {
			if err == plumbing.ErrReferenceNotFound {
				return nil
			}
			return err
		}
		return g.repo.Storer.RemoveReference(refName)
	})
}

// Path returns the repository's working path, the directory the
// shellout-based rename-aware differ runs git in.
func (g *GitRepo) Path() string { return g.path }

// ResolveRef resolves a branch name, tag, HEAD, or (short or full) hash to
// a full commit hash.
func (g *GitRepo) ResolveRef(ctx context.Context, rev string) (string, error) {
	var hash string
	err := g.withRetry(ctx, "resolve ref", func() error {
		h, err := g.repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return stackerr.Wrap(err, stackerr.KindObjectStore, fmt.Sprintf("resolve revision %q", rev))
		}
		hash = h.String()
		return nil
	})
	return hash, err
}
