// Package coupling implements the Coupling Enforcer (C2): it moves
// atomically-coupled files into a single group, preserving the caller's
// group ordering, without ever mutating the input ownership in place.
package coupling

import (
	"path"
	"regexp"

	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// Set describes one coupling rule: either a literal set of path names or a
// predicate matched against the basename.
type Set struct {
	Name      string
	Literal   map[string]struct{}
	Predicate func(basename string) bool
}

// Matches reports whether path is a member of this coupling set.
func (s Set) Matches(p string) bool {
	base := path.Base(p)
	if s.Literal != nil {
		if _, ok := s.Literal[base]; ok {
			return true
		}
	}
	if s.Predicate != nil {
		return s.Predicate(base)
	}
	return false
}

var tsconfigPredicate = regexp.MustCompile(`^tsconfig(\..+)?\.json$`)

// DefaultSets is the fixed list of coupling sets the enforcer applies.
func DefaultSets() []Set {
	return []Set{
		{
			Name: "npm-manifest",
			Literal: map[string]struct{}{
				"package.json":      {},
				"package-lock.json": {},
				"yarn.lock":         {},
				"pnpm-lock.yaml":    {},
			},
		},
		{
			Name:    "global-attributes",
			Literal: map[string]struct{}{".gitattributes": {}},
		},
		{
			Name:      "tsconfig-family",
			Predicate: func(basename string) bool { return tsconfigPredicate.MatchString(basename) },
		},
	}
}

// ForcedMove is re-exported from stackmodel for readability at call sites.
type ForcedMove = stackmodel.ForcedMove

// Result is the Enforcer's output.
type Result struct {
	Ownership stackmodel.Ownership
	Moves     []ForcedMove
	Warnings  []string
}

// Enforcer applies coupling sets against a changed-path list and an
// ownership map.
type Enforcer struct {
	Sets []Set
}

// New returns an Enforcer configured with the default coupling sets.
func New() *Enforcer {
	return &Enforcer{Sets: DefaultSets()}
}

// Enforce moves all paths in each matched coupling set to the earliest
// group (by groupOrder) that currently owns any member of the set. The
// input ownership is never mutated; the returned ownership is an
// independent copy. Idempotent: re-running against its own output produces
// no further moves.
func (e *Enforcer) Enforce(ownership stackmodel.Ownership, changedPaths []string, groupOrder []string) Result {
	out := ownership.Clone()
	rank := make(map[string]int, len(groupOrder))
	for i, g := range groupOrder {
		rank[g] = i
	}

	var moves []ForcedMove
	var warnings []string

	for _, set := range e.Sets {
		var members []string
		for _, p := range changedPaths {
			if set.Matches(p) {
				members = append(members, p)
			}
		}
		if len(members) < 2 {
			continue
		}

		groupsSeen := make(map[string]struct{})
		for _, p := range members {
			if g, ok := out[p]; ok {
				groupsSeen[g] = struct{}{}
			}
		}
		if len(groupsSeen) <= 1 {
			continue
		}

		target := earliestByRank(groupsSeen, rank)
		for _, p := range members {
			cur, ok := out[p]
			if !ok {
				warnings = append(warnings, "coupling set "+set.Name+": path "+p+" has no prior owner")
				out[p] = target
				continue
			}
			if cur == target {
				continue
			}
			out[p] = target
			moves = append(moves, ForcedMove{Path: p, From: cur, To: target})
		}
	}

	return Result{Ownership: out, Moves: moves, Warnings: warnings}
}

const unknownGroupRank = int(^uint(0) >> 1) // max int: unknown group ids sort last

// earliestByRank returns the member of groups with the lowest rank,
// breaking ties (including ties among groups absent from rank) lexically
// by group id so the result never depends on map iteration order.
func earliestByRank(groups map[string]struct{}, rank map[string]int) string {
	best := ""
	bestRank := unknownGroupRank
	for g := range groups {
		r, ok := rank[g]
		if !ok {
			r = unknownGroupRank
		}
		if best == "" || r < bestRank || (r == bestRank && g < best) {
			best = g
			bestRank = r
		}
	}
	return best
}
