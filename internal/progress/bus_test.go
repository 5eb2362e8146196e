package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/stackmodel"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), Event{ID: "run-1", Phase: stackmodel.PhasePlanning, Message: "planning"}))

	select {
	case got := <-ch:
		require.Equal(t, "run-1", got.ID)
		require.Equal(t, stackmodel.PhasePlanning, got.Phase)
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribersEachReceive(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, unsub1 := b.Subscribe(1)
	ch2, unsub2 := b.Subscribe(1)
	defer unsub1()
	defer unsub2()

	require.NoError(t, b.Publish(context.Background(), Event{ID: "run-1", Phase: stackmodel.PhaseDone}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			require.Equal(t, stackmodel.PhaseDone, got.Phase)
		case <-time.After(250 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsubscribe := b.Subscribe(1)
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}

func TestBus_CloseIsIdempotentAndClosesAllSubscribers(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe(1)

	b.Close()
	b.Close()

	_, ok := <-ch
	require.False(t, ok)
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := NewBus()
	b.Close()
	require.NoError(t, b.Publish(context.Background(), Event{ID: "x"}))
}

func TestBus_PublishRespectsContextCancellation(t *testing.T) {
	b := NewBus()
	defer b.Close()

	// unbuffered subscriber with nobody reading forces Publish to block
	// until the context is canceled.
	_, unsubscribe := b.Subscribe(0)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Publish(ctx, Event{ID: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
