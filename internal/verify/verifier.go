// Package verify implements the Verifier (C6): it confirms per-group diff
// scope, union completeness, and final-tree equivalence against the
// original head, after the stack has been materialized.
package verify

import (
	"context"
	"fmt"
	"sort"

	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// Report is C6's output. The stack is usable iff len(Errors) == 0; scope
// and completeness warnings are informational and never block
// publication.
type Report struct {
	Verified bool
	Errors   []string
	Warnings []string
}

// Verifier checks a materialized StackResult against the object store.
type Verifier struct {
	Store objstore.Handle
}

// New returns a Verifier bound to the given object-store handle.
func New(store objstore.Handle) *Verifier {
	return &Verifier{Store: store}
}

// Verify runs all three checks described in C6's contract.
func (v *Verifier) Verify(ctx context.Context, base, head string, result stackmodel.StackResult, ownership stackmodel.Ownership) (Report, error) {
	var warnings, errs []string

	unionPaths := make(map[string]struct{})
	for _, gc := range result.GroupCommits {
		if ctx.Err() != nil {
			return Report{}, stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "verification canceled")
		}

		commit, err := v.Store.CommitByHash(ctx, gc.CommitHash)
		if err != nil {
			return Report{}, err
		}

		parents := commit.ParentHashes
		if len(parents) == 0 {
			parents = []string{""}
		}
		for _, parent := range parents {
			changes, err := v.Store.DiffRange(ctx, parent, gc.CommitHash)
			if err != nil {
				return Report{}, err
			}
			for _, c := range changes {
				unionPaths[c.Path] = struct{}{}
				if c.OldPath != "" {
					unionPaths[c.OldPath] = struct{}{}
				}
				owner, ok := ownership[c.Path]
				if !ok || owner != gc.GroupID {
					warnings = append(warnings, fmt.Sprintf("scope leak: group %q commit %s touches %q owned by %q", gc.GroupID, gc.CommitHash, c.Path, owner))
				}
			}
		}
	}

	originalChanges, err := v.Store.DiffRange(ctx, base, head)
	if err != nil {
		return Report{}, err
	}
	originalPaths := make(map[string]struct{}, len(originalChanges))
	for _, c := range originalChanges {
		originalPaths[c.Path] = struct{}{}
		if c.OldPath != "" {
			originalPaths[c.OldPath] = struct{}{}
		}
	}

	for p := range originalPaths {
		if _, ok := unionPaths[p]; !ok {
			warnings = append(warnings, fmt.Sprintf("union completeness: path %q changed in base..head but missing from the stack", p))
		}
	}
	for p := range unionPaths {
		if _, ok := originalPaths[p]; !ok {
			warnings = append(warnings, fmt.Sprintf("union completeness: path %q changed by the stack but not in base..head", p))
		}
	}

	headCommit, err := v.Store.CommitByHash(ctx, head)
	if err != nil {
		return Report{}, err
	}
	if result.FinalTreeHash != headCommit.TreeHash {
		errs = append(errs, fmt.Sprintf("final tree %s does not equal head tree %s", result.FinalTreeHash, headCommit.TreeHash))
	}

	sort.Strings(warnings)
	sort.Strings(errs)

	return Report{Verified: len(errs) == 0, Errors: errs, Warnings: warnings}, nil
}
