package diagnostics

import (
	"sync"

	"github.com/carapace-run/carapace/internal/protocol"
)

// ringBuffer keeps the last N published envelopes in memory for
// /api/events, with no persistence behind it.
type ringBuffer struct {
	mu       sync.Mutex
	items    []protocol.EventEnvelope
	capacity int
	next     int
	filled   bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ringBuffer{items: make([]protocol.EventEnvelope, capacity), capacity: capacity}
}

func (rb *ringBuffer) add(env protocol.EventEnvelope) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.items[rb.next] = env
	rb.next = (rb.next + 1) % rb.capacity
	if rb.next == 0 {
		rb.filled = true
	}
}

// recent returns up to limit most-recently-added envelopes, oldest first.
func (rb *ringBuffer) recent(limit int) []protocol.EventEnvelope {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var ordered []protocol.EventEnvelope
	if rb.filled {
		ordered = append(ordered, rb.items[rb.next:]...)
		ordered = append(ordered, rb.items[:rb.next]...)
	} else {
		ordered = append(ordered, rb.items[:rb.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
