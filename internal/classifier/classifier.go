// Package classifier consumes the model-backed grouping service at the
// pipeline's one untrusted boundary: given candidate groups and the
// changed paths, it returns an initial ownership map. Its output is
// treated as untrusted text that may not even be well-formed JSON, so
// every call is routed through a tolerant repair path before falling back
// to a deterministic assignment.
package classifier

import (
	"context"
	"sort"
	"strconv"

	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// FileSummary is a short, classifier-facing description of one changed
// path, kept separate from stackmodel.FileChange so the classifier
// package never needs to understand object-store internals.
type FileSummary struct {
	Path    string
	Summary string
}

// Request bundles everything the classifier needs to propose ownership.
type Request struct {
	Candidates     []stackmodel.Group
	ChangedPaths   []string
	FileSummaries  []FileSummary
	CommitMessages []string
}

// Response is the classifier's proposed assignment. SharedFoundationGroup
// is optional — a group ID the classifier nominates for files it judges
// to be shared low-level infrastructure rather than belonging to any one
// candidate feature.
type Response struct {
	Ownership             map[string]string
	SharedFoundationGroup string
}

// Classifier proposes an initial path -> group_id ownership map.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Response, error)
}

// Result is what the pipeline actually consumes: an ownership map that is
// guaranteed total over req.ChangedPaths, plus a warning describing any
// fallback that had to be applied.
type Result struct {
	Ownership stackmodel.Ownership
	Warning   string
}

// Resolver wraps a Classifier with the pipeline's parse-failure fallback
// policy: a classifier error, or an ownership map that leaves paths
// unassigned, degrades to a warning plus a deterministic fallback-group
// assignment for the unresolved paths. It never returns a fatal error for
// classifier trouble — stackerr.KindClassification is carried as
// Result.Warning's origin, not propagated to the caller.
type Resolver struct {
	Classifier    Classifier
	FallbackGroup string
}

// New returns a Resolver wrapping the given Classifier.
func New(c Classifier, fallbackGroup string) *Resolver {
	if fallbackGroup == "" {
		fallbackGroup = "unclassified"
	}
	return &Resolver{Classifier: c, FallbackGroup: fallbackGroup}
}

// Resolve classifies req and applies the fallback policy, guaranteeing
// every path in req.ChangedPaths ends up with a group assignment.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	if r.Classifier == nil {
		return r.fallbackAll(req, "no classifier configured")
	}

	resp, err := r.Classifier.Classify(ctx, req)
	if err != nil {
		return r.fallbackAll(req, stackerr.Wrap(err, stackerr.KindClassification, "classifier call failed").Error())
	}

	ownership := make(stackmodel.Ownership, len(req.ChangedPaths))
	for k, v := range resp.Ownership {
		ownership[k] = v
	}

	var unassigned []string
	for _, p := range req.ChangedPaths {
		if _, ok := ownership[p]; !ok {
			unassigned = append(unassigned, p)
		}
	}
	if len(unassigned) == 0 {
		return Result{Ownership: ownership}, nil
	}

	sort.Strings(unassigned)
	for _, p := range unassigned {
		ownership[p] = r.FallbackGroup
	}
	return Result{
		Ownership: ownership,
		Warning:   classificationGapWarning(unassigned, r.FallbackGroup),
	}, nil
}

func (r *Resolver) fallbackAll(req Request, cause string) (Result, error) {
	ownership := make(stackmodel.Ownership, len(req.ChangedPaths))
	for _, p := range req.ChangedPaths {
		ownership[p] = r.FallbackGroup
	}
	return Result{
		Ownership: ownership,
		Warning:   cause + "; all paths assigned to fallback group " + r.FallbackGroup,
	}, nil
}

func classificationGapWarning(unassigned []string, fallback string) string {
	return "classifier left " + strconv.Itoa(len(unassigned)) + " path(s) unassigned; assigned to fallback group " + fallback
}
