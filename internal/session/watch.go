package session

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent describes a session whose persisted snapshot changed.
type ChangeEvent struct {
	SessionID string
	Removed   bool
}

// Watch notifies on every create/write/remove of a session snapshot file
// under the store's directory, so an external session browser doesn't
// have to poll. It blocks until ctx is canceled or the watcher errors;
// callers typically run it in its own goroutine.
func (s *Store) Watch(ctx context.Context, onChange func(ChangeEvent)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(event.Name), ".json")
			removed := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
			onChange(ChangeEvent{SessionID: id, Removed: removed})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
