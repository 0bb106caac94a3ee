package confirmation

import (
	"testing"
	"time"

	"github.com/carapace-run/carapace/internal/bus"
)

func TestGate_GrantThenApproved(t *testing.T) {
	g := New(nil, 0)

	if g.Approved("corr-1") {
		t.Fatal("expected no approval before Grant")
	}

	g.Grant("corr-1")

	if !g.Approved("corr-1") {
		t.Fatal("expected approval after Grant")
	}
}

func TestGate_Deny(t *testing.T) {
	g := New(nil, 0)
	g.Grant("corr-1")
	g.Deny("corr-1")

	if g.Approved("corr-1") {
		t.Fatal("expected Deny to remove the approval")
	}
}

func TestGate_Forget(t *testing.T) {
	g := New(nil, 0)
	g.Grant("corr-1")
	g.Forget("corr-1")

	if g.Approved("corr-1") {
		t.Fatal("expected Forget to remove the approval")
	}
}

func TestGate_ExpiresAfterTTL(t *testing.T) {
	g := New(nil, 10*time.Millisecond)
	g.Grant("corr-1")

	if !g.Approved("corr-1") {
		t.Fatal("expected approval immediately after Grant")
	}

	time.Sleep(30 * time.Millisecond)

	if g.Approved("corr-1") {
		t.Fatal("expected approval to expire after TTL")
	}
}

func TestGate_RequestPrompt_PublishesEvent(t *testing.T) {
	b := bus.New(8)
	defer b.Close()

	g := New(b, 0)

	ch, unsub := b.SubscribeChan(t.Context(), "confirmation.requested")
	defer unsub()

	g.RequestPrompt("group-a", "run_command", "corr-1", map[string]any{"cmd": "rm -rf /tmp/x"})

	select {
	case env := <-ch:
		if env.Correlation != "corr-1" {
			t.Errorf("expected correlation corr-1, got %q", env.Correlation)
		}
		if env.Group != "group-a" {
			t.Errorf("expected group group-a, got %q", env.Group)
		}
		if env.Payload["tool"] != "run_command" {
			t.Errorf("expected tool run_command, got %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for confirmation.requested")
	}
}

func TestGate_RequestPrompt_NilBus(t *testing.T) {
	g := New(nil, 0)
	g.RequestPrompt("group-a", "run_command", "corr-1", nil)
}
