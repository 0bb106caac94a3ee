// Package confirmation implements the router's confirmation gate: a
// high-risk tool call must have a prior out-of-band approval recorded
// against its correlation id before the router may dispatch it. The
// approval is granted by publishing a prompt event and waiting for
// whatever UI is subscribed to the bus to answer it.
package confirmation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/protocol"
)

// DefaultTTL bounds how long an approval remains usable after it is
// granted.
const DefaultTTL = 60 * time.Second

type approval struct {
	grantedAt time.Time
}

// Gate implements router.ConfirmationGate: it is both the thing the router
// consults (Approved) and the thing a diagnostics/UI layer calls once the
// operator answers a prompt (Grant).
type Gate struct {
	mu        sync.Mutex
	approvals map[string]approval
	ttl       time.Duration
	bus       *bus.Bus
}

// New creates a Gate publishing prompts on b. ttl <= 0 uses DefaultTTL.
func New(b *bus.Bus, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{approvals: make(map[string]approval), ttl: ttl, bus: b}
}

// RequestPrompt emits a confirmation.requested event on the bus describing
// the pending tool call, for whatever UI is subscribed to render a prompt
// to the operator. It returns nothing: the eventual Grant or Deny is keyed
// by the correlation id itself, since one high-risk call has exactly one
// confirmation decision.
func (g *Gate) RequestPrompt(group, tool, correlation string, args map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(protocol.EventEnvelope{
		ID:          uuid.NewString(),
		Version:     1,
		Type:        protocol.TypeEvent,
		Topic:       "confirmation.requested",
		Source:      "core",
		Correlation: correlation,
		Timestamp:   time.Now(),
		Group:       group,
		Payload: map[string]any{
			"tool":      tool,
			"arguments": args,
		},
	})
}

// Grant records an approval for correlation, usable until ttl elapses.
func (g *Gate) Grant(correlation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approvals[correlation] = approval{grantedAt: time.Now()}
}

// Deny removes any pending approval for correlation, in case an operator
// explicitly rejects rather than simply never responding.
func (g *Gate) Deny(correlation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.approvals, correlation)
}

// Approved reports whether correlation has a live, unexpired approval.
// Implements router.ConfirmationGate.
func (g *Gate) Approved(correlation string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.approvals[correlation]
	if !ok {
		return false
	}
	if time.Since(a.grantedAt) > g.ttl {
		delete(g.approvals, correlation)
		return false
	}
	return true
}

// Forget removes a correlation's approval once the call it authorized has
// completed, so a replayed correlation id can never be approved twice for a
// different invocation.
func (g *Gate) Forget(correlation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.approvals, correlation)
}
