package message

import (
	"context"
	"sync"
	"sync/atomic"
)

// Envelope carries an event between relay instances. Exactly one of RoomID
// (room broadcast) or ConnID (targeted delivery) is set.
type Envelope struct {
	Origin string `json:"origin"`
	RoomID string `json:"room_id,omitempty"`
	ConnID string `json:"conn_id,omitempty"`
	Except string `json:"except,omitempty"`
	Event  Event  `json:"event"`
}

// Bus fans events out to every relay instance sharing it. Delivery is
// best-effort. Subscribers also receive their own publications and are
// expected to filter on Origin.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls fn for every envelope until ctx is done.
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

// subscriberBuffer is the number of envelopes queued per LocalBus subscriber.
const subscriberBuffer = 256

// LocalBus is an in-process Bus, used when several relay services share
// one process.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[int]chan Envelope
	nextID  int
	dropped atomic.Int64
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Envelope)}
}

// Publish queues env for every subscriber. A subscriber whose queue is full
// misses the envelope.
func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe blocks, delivering envelopes to fn, until ctx is done.
func (b *LocalBus) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ch := make(chan Envelope, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			fn(env)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many envelopes were discarded because a subscriber
// queue was full.
func (b *LocalBus) Dropped() int64 {
	return b.dropped.Load()
}
