// Package logfields provides canonical log field names and helpers for
// structured logging across the stacking pipeline.
package logfields

import "log/slog"

// Canonical log field name constants, kept here to avoid drift across
// packages that log the same concepts.
const (
	KeyRunID     = "run_id"
	KeyStage     = "stage"
	KeyPhase     = "phase"
	KeyGroup     = "group_id"
	KeyPath      = "path"
	KeyCommit    = "commit"
	KeyBranch    = "branch_ref"
	KeyDuration  = "duration_ms"
	KeyError     = "error"
	KeyKind      = "kind"
	KeyCount     = "count"
)

func RunID(id string) slog.Attr        { return slog.String(KeyRunID, id) }
func Stage(name string) slog.Attr      { return slog.String(KeyStage, name) }
func Phase(name string) slog.Attr      { return slog.String(KeyPhase, name) }
func Group(id string) slog.Attr        { return slog.String(KeyGroup, id) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func Commit(hash string) slog.Attr     { return slog.String(KeyCommit, hash) }
func Branch(ref string) slog.Attr      { return slog.String(KeyBranch, ref) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDuration, ms) }
func Kind(k string) slog.Attr          { return slog.String(KeyKind, k) }
func Count(n int) slog.Attr            { return slog.Int(KeyCount, n) }
