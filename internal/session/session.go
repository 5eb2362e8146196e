// Package session persists and reloads StackStateSnapshot documents, one
// JSON file per analysis session, with an atomic temp-file-then-rename
// write — the same durability pattern the teacher's JSON state store uses
// — and an optional fsnotify watch for external session browsers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/newpr-stacker/engine/internal/feasibility"
	"github.com/newpr-stacker/engine/internal/planbuilder"
	"github.com/newpr-stacker/engine/internal/stackmodel"
	"github.com/newpr-stacker/engine/internal/verify"
)

// Status enumerates a session's coarse outcome once it reaches a terminal
// Phase.
type Status string

const (
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// StackStateSnapshot is the persisted state of one analysis session.
type StackStateSnapshot struct {
	SessionID    string                  `json:"session_id"`
	Status       Status                  `json:"status"`
	Phase        stackmodel.Phase        `json:"phase"`
	Error        string                  `json:"error,omitempty"`
	Context      map[string]string       `json:"context,omitempty"`
	Ownership    stackmodel.Ownership    `json:"ownership,omitempty"`
	Feasibility  *feasibility.Result     `json:"feasibility,omitempty"`
	Plan         *planbuilder.StackPlan  `json:"plan,omitempty"`
	ExecResult   *stackmodel.StackResult `json:"exec_result,omitempty"`
	VerifyResult *verify.Report          `json:"verify_result,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
}

// Store persists and reloads snapshots under dir, one file per session ID.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save writes snap atomically: marshal to a temp file in the same
// directory, then rename over the final path so a concurrent reader never
// observes a partial write.
func (s *Store) Save(ctx context.Context, snap StackStateSnapshot) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	final := s.path(snap.SessionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads and unmarshals the snapshot for sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (StackStateSnapshot, error) {
	if ctx.Err() != nil {
		return StackStateSnapshot{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return StackStateSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap StackStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return StackStateSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes a session's persisted snapshot. Deleting an
// already-absent session is not an error.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns every session ID with a persisted snapshot.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list session directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}

// Dir returns the directory this store is rooted at, for wiring a
// fsnotify.Watcher against it.
func (s *Store) Dir() string {
	return s.dir
}
