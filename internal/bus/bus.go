// Package bus implements the in-process event bus: a topic-prefix-keyed
// fan-out where subscribers never block publishers.
package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/carapace-run/carapace/internal/protocol"
)

// DefaultSubscriberQueueDepth is the default bounded queue depth per
// subscriber (spec §4.1).
const DefaultSubscriberQueueDepth = 1024

// Subscriber receives envelopes matching its topic prefix, in publish
// order relative to a single publisher.
type Subscriber func(protocol.EventEnvelope)

type subscription struct {
	id       int
	prefix   string
	handler  Subscriber
	queue    chan protocol.EventEnvelope
	done     chan struct{}
}

// Bus is an in-process, single-writer-per-publisher, multi-reader event
// bus. Subscriptions match by topic prefix.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	queueDepth  int
	closed      bool

	dropped atomic.Int64
}

// New creates a Bus whose per-subscriber queues hold up to queueDepth
// envelopes before dropping the oldest. A queueDepth <= 0 uses the default.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultSubscriberQueueDepth
	}
	return &Bus{
		subscribers: make(map[int]*subscription),
		queueDepth:  queueDepth,
	}
}

// Publish delivers env to every subscriber whose prefix matches env.Topic.
// It never blocks: a full subscriber queue drops its oldest entry and
// increments the bus.dropped counter (spec §4.1).
func (b *Bus) Publish(env protocol.EventEnvelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if !matches(sub.prefix, env.Topic) {
			continue
		}
		select {
		case sub.queue <- env:
		default:
			// Drop the oldest, then retry once. If a concurrent
			// consumer races us, the retry falling through to
			// default is itself a valid drop of env.
			select {
			case <-sub.queue:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.queue <- env:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

func matches(prefix, topic string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(topic, prefix)
}

// Subscribe registers handler for every envelope whose topic has the given
// prefix ("" matches everything). Returns an unsubscribe function.
//
// Each subscriber gets its own goroutine draining its queue, so one slow
// handler can never delay delivery to another subscriber.
func (b *Bus) Subscribe(prefix string, handler Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{
		id:      id,
		prefix:  prefix,
		handler: handler,
		queue:   make(chan protocol.EventEnvelope, b.queueDepth),
		done:    make(chan struct{}),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case env := <-sub.queue:
				sub.handler(env)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.done)
			delete(b.subscribers, id)
		}
	}
}

// SubscribeChan returns a channel stream of envelopes matching prefix.
// The unsubscribe function also closes ch.
func (b *Bus) SubscribeChan(ctx context.Context, prefix string) (<-chan protocol.EventEnvelope, func()) {
	ch := make(chan protocol.EventEnvelope, b.queueDepth)
	unsubscribe := b.Subscribe(prefix, func(env protocol.EventEnvelope) {
		select {
		case ch <- env:
		case <-ctx.Done():
		}
	})
	return ch, func() {
		unsubscribe()
		close(ch)
	}
}

// Dropped returns the count of envelopes dropped so far due to subscriber
// backpressure (bus.dropped).
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery to all current subscribers. Publish becomes a no-op
// afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.done)
	}
	b.subscribers = make(map[int]*subscription)
}
