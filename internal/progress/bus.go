// Package progress implements the in-process progress-event bus exposed
// by the pipeline: subscribers receive ordered {id, timestamp, phase,
// message} events and a terminal done/error signal, without the pipeline
// needing to know who (if anyone) is listening.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// Event is one progress record.
type Event struct {
	ID        string
	Timestamp time.Time
	Phase     stackmodel.Phase
	Message   string
}

// Bus is a small in-process pub/sub bus for Events. Publish blocks until
// every current subscriber has accepted the event or ctx is canceled, so
// a slow subscriber applies backpressure rather than silently dropping
// events.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Event
	nextID   atomic.Uint64
	isClosed atomic.Bool
	once     sync.Once
}

// NewBus returns an empty, open Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer size
// and returns its event channel plus an idempotent unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	if b.isClosed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID.Add(1)

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}

	b.mu.Lock()
	if b.isClosed.Load() {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, unsubscribe
}

// Publish delivers evt to every current subscriber, blocking per-subscriber
// until accepted or ctx is done.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b.isClosed.Load() {
		return nil
	}

	// Hold the read lock while sending so unsubscribe and Close, which
	// close channels under the write lock, cannot close one mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes the bus and every subscriber channel. Safe to call more
// than once.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.isClosed.Store(true)
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
	})
}
