// Package delta implements the Delta Extractor (C1): it walks the linear
// commit range between a base and head commit and turns the raw
// object-store diff of each commit into a typed, ordered list of Deltas.
package delta

import (
	"context"
	"fmt"

	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// Extractor pulls Deltas out of an object-store handle.
type Extractor struct {
	Store objstore.Handle
}

// New returns an Extractor bound to the given object-store handle.
func New(store objstore.Handle) *Extractor {
	return &Extractor{Store: store}
}

// Extract resolves the first-parent linear sequence from exclusive base to
// inclusive head and returns one Delta per commit, oldest first. Any I/O or
// parse error, a merge commit, or a submodule/symlink mode in any record
// aborts extraction; partial results are discarded.
func (x *Extractor) Extract(ctx context.Context, base, head string) ([]stackmodel.Delta, error) {
	commits, err := x.Store.CommitRange(ctx, base, head)
	if err != nil {
		return nil, err
	}

	deltas := make([]stackmodel.Delta, 0, len(commits))
	for _, c := range commits {
		if ctx.Err() != nil {
			return nil, stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "delta extraction canceled")
		}

		parent := ""
		if len(c.ParentHashes) > 0 {
			parent = c.ParentHashes[0]
		}

		raw, err := x.Store.DiffRange(ctx, parent, c.Hash)
		if err != nil {
			return nil, err
		}

		changes := make([]stackmodel.FileChange, 0, len(raw))
		for _, rc := range raw {
			if err := rejectUnsupportedMode(rc.OldMode); err != nil {
				return nil, err.WithContext("commit", c.Hash).WithContext("path", rc.Path)
			}
			if err := rejectUnsupportedMode(rc.NewMode); err != nil {
				return nil, err.WithContext("commit", c.Hash).WithContext("path", rc.Path)
			}
			changes = append(changes, stackmodel.FileChange{
				Status:  rc.Status,
				Path:    rc.Path,
				OldPath: rc.OldPath,
				OldBlob: orZeroHash(rc.OldBlob),
				NewBlob: orZeroHash(rc.NewBlob),
				OldMode: orZeroMode(rc.OldMode),
				NewMode: orZeroMode(rc.NewMode),
			})
		}

		deltas = append(deltas, stackmodel.Delta{
			CommitID: c.Hash,
			ParentID: parent,
			Author:   c.Author,
			Date:     c.Date,
			Message:  c.Message,
			Changes:  changes,
		})
	}
	return deltas, nil
}

func rejectUnsupportedMode(mode string) *stackerr.Error {
	if mode == stackmodel.ModeSubmodule {
		return stackerr.New(stackerr.KindUnsupportedHistory, "submodule entry in source range")
	}
	if mode == stackmodel.ModeSymlink {
		return stackerr.New(stackerr.KindUnsupportedHistory, "symlink entry in source range")
	}
	return nil
}

func orZeroHash(h string) string {
	if h == "" {
		return stackmodel.ZeroHash
	}
	return h
}

func orZeroMode(m string) string {
	if m == "" {
		return stackmodel.ZeroMode
	}
	return m
}

// RenameMap derives old_path -> new_path from a Delta list, for downstream
// consumers (coupling, feasibility) that need to resolve a path's identity
// across a rename.
func RenameMap(deltas []stackmodel.Delta) map[string]string {
	out := make(map[string]string)
	for _, d := range deltas {
		for _, c := range d.Changes {
			if c.Status == stackmodel.StatusRenamed {
				out[c.OldPath] = c.Path
			}
		}
	}
	return out
}

// AllPaths returns the set of every path (and old_path, for renames)
// touched across the given deltas, used to validate total ownership
// before C3 runs.
func AllPaths(deltas []stackmodel.Delta) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, d := range deltas {
		for _, c := range d.Changes {
			add(c.Path)
			add(c.OldPath)
		}
	}
	return out
}

// Validate checks the extracted Deltas are internally consistent (helper
// for callers that want a cheap sanity check before feeding C2).
func Validate(deltas []stackmodel.Delta) error {
	for _, d := range deltas {
		if d.CommitID == "" {
			return fmt.Errorf("delta with empty commit id")
		}
		for _, c := range d.Changes {
			if c.Status == stackmodel.StatusRenamed && c.OldPath == "" {
				return fmt.Errorf("renamed change for %q missing old_path", c.Path)
			}
		}
	}
	return nil
}
