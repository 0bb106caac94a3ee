package container

import (
	"context"
	"testing"
	"time"
)

type fakeRuntime struct {
	name      string
	available bool
}

func (f fakeRuntime) Name() string                       { return f.name }
func (f fakeRuntime) Available(ctx context.Context) bool  { return f.available }
func (f fakeRuntime) Start(ctx context.Context, s Spec) (Handle, error) { return nil, nil }

func TestProbePicksFirstAvailable(t *testing.T) {
	candidates := []Runtime{
		fakeRuntime{name: "docker", available: false},
		fakeRuntime{name: "podman", available: true},
		fakeRuntime{name: "exec", available: true},
	}
	rt, err := Probe(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rt.Name() != "podman" {
		t.Fatalf("expected podman, got %s", rt.Name())
	}
}

func TestProbeNoneAvailable(t *testing.T) {
	candidates := []Runtime{
		fakeRuntime{name: "docker", available: false},
		fakeRuntime{name: "podman", available: false},
	}
	if _, err := Probe(context.Background(), candidates); err == nil {
		t.Fatal("expected error when no runtime available")
	}
}

func TestExecRuntimeRoundTrip(t *testing.T) {
	rt := NewExecRuntime("echo")
	if !rt.Available(context.Background()) {
		t.Skip("echo not on PATH")
	}

	handle, err := rt.Start(context.Background(), Spec{
		SessionID:    "s1",
		WorkDir:      t.TempDir(),
		Command:      []string{"hello"},
		StartTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}
