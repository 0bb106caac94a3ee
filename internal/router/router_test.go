package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/carapace-run/carapace/internal/audit"
	"github.com/carapace-run/carapace/internal/limits"
	"github.com/carapace-run/carapace/internal/pluginhost"
	"github.com/carapace-run/carapace/internal/protocol"
	"github.com/carapace-run/carapace/internal/ratelimit"
	"github.com/carapace-run/carapace/internal/schema"
)

type fakeSessions struct {
	group string
	alive bool
}

func (f fakeSessions) Group(identity string) (string, bool) {
	if f.group == "" {
		return "", false
	}
	return f.group, true
}

func (f fakeSessions) Alive(identity string) bool { return f.alive }

type fakeConfirm struct{ approved bool }

func (f *fakeConfirm) Approved(correlation string) bool { return f.approved }

func newTestRouter(t *testing.T, sessions SessionLookup, confirm ConfirmationGate) (*Router, *pluginhost.Host) {
	t.Helper()
	host := pluginhost.New(nil, nil)
	manifest := protocol.PluginManifest{Version: "1.0.0"}
	manifest.Provides.Tools = []protocol.ToolDeclaration{
		{
			Name:      "echo",
			RiskLevel: protocol.RiskLow,
			ArgumentsSchema: map[string]any{
				"type":     "object",
				"required": []any{"message"},
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
			},
		},
		{Name: "danger", RiskLevel: protocol.RiskHigh, ArgumentsSchema: map[string]any{"type": "object"}},
	}
	err := host.RegisterBuiltin(pluginhost.BuiltinPlugin{
		Name:     "test",
		Manifest: manifest,
		Handlers: map[string]pluginhost.Handler{
			"echo": func(ctx context.Context, ic protocol.ToolInvocationContext, args map[string]any, svc pluginhost.CoreServices) (any, error) {
				return map[string]any{"echoed": args["message"]}, nil
			},
			"danger": func(ctx context.Context, ic protocol.ToolInvocationContext, args map[string]any, svc pluginhost.CoreServices) (any, error) {
				return "done", nil
			},
		},
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit"))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	r := New(limits.Config{}, schema.NewCache(), ratelimit.NewBuckets(ratelimit.Limits{RequestsPerMinute: 6000, BurstSize: 100}), confirm, host, auditLog, sessions, 2, time.Second)
	return r, host
}

func mustJSON(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleEchoRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-1",
		"arguments":   map[string]any{"message": "hi"},
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Payload.Error)
	}
	result, ok := resp.Payload.Result.(map[string]any)
	if !ok || result["echoed"] != "hi" {
		t.Fatalf("unexpected result: %+v", resp.Payload.Result)
	}
}

func TestHandleRejectsIdentityField(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-1",
		"arguments":   map[string]any{"message": "hi"},
		"group":       "sneaky",
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != protocol.ErrValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", resp.Payload.Error)
	}
}

func TestHandleRejectsMissingArguments(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-1",
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != protocol.ErrValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", resp.Payload.Error)
	}
}

func TestHandleUnknownTopicDoesNotLeakToolNames(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.does_not_exist",
		"correlation": "corr-1",
		"arguments":   map[string]any{},
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != protocol.ErrUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %+v", resp.Payload.Error)
	}
	for _, name := range []string{"echo", "danger"} {
		if contains(resp.Payload.Error.Message, name) {
			t.Fatalf("error message leaked tool name %q: %s", name, resp.Payload.Error.Message)
		}
	}
}

func TestHandleSchemaValidationFailure(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-1",
		"arguments":   map[string]any{},
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != protocol.ErrValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", resp.Payload.Error)
	}
}

func TestHandleConfirmationRequired(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, &fakeConfirm{approved: false})

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.danger",
		"correlation": "corr-1",
		"arguments":   map[string]any{},
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != protocol.ErrConfirmationRequired {
		t.Fatalf("expected CONFIRMATION_REQUIRED, got %+v", resp.Payload.Error)
	}
}

func TestHandleConfirmationApprovedProceeds(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: true}, &fakeConfirm{approved: true})

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.danger",
		"correlation": "corr-1",
		"arguments":   map[string]any{},
	})

	resp, ok := r.Handle(context.Background(), "sess_1", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Payload.Error)
	}
}

func TestHandleAbandonsWhenContainerExits(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{group: "g1", alive: false}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-1",
		"arguments":   map[string]any{"message": "hi"},
	})

	_, ok := r.Handle(context.Background(), "sess_1", raw)
	if ok {
		t.Fatal("expected the router to abandon the call without replying")
	}
}

func TestHandleUnknownIdentity(t *testing.T) {
	r, _ := newTestRouter(t, fakeSessions{}, nil)

	raw := mustJSON(t, map[string]any{
		"topic":       "tool.invoke.echo",
		"correlation": "corr-1",
		"arguments":   map[string]any{"message": "hi"},
	})

	resp, ok := r.Handle(context.Background(), "ghost", raw)
	if !ok {
		t.Fatal("expected a reply")
	}
	if resp.Payload.Error == nil || resp.Payload.Error.Code != protocol.ErrInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %+v", resp.Payload.Error)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
