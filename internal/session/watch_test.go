package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/session"
)

func TestStore_WatchNotifiesOnSave(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := make(chan session.ChangeEvent, 4)
	go func() {
		_ = store.Watch(ctx, func(e session.ChangeEvent) { events <- e })
	}()

	// give the watcher a moment to start before triggering a write
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.Save(context.Background(), session.StackStateSnapshot{SessionID: "sess-1"}))

	select {
	case e := <-events:
		require.Equal(t, "sess-1", e.SessionID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for watch event")
	}
}
