package intrinsics

import (
	"context"
	"testing"
	"time"

	"github.com/carapace-run/carapace/internal/pluginhost"
	"github.com/carapace-run/carapace/internal/protocol"
)

type fakeCatalog struct{ decls []protocol.ToolDeclaration }

func (f fakeCatalog) Declarations() []protocol.ToolDeclaration { return f.decls }

type fakeSessions struct {
	state     string
	startedAt time.Time
	failure   *protocol.FailureCategory
	err       error
}

func (f fakeSessions) Describe(sessionID string) (string, time.Time, *protocol.FailureCategory, error) {
	return f.state, f.startedAt, f.failure, f.err
}

type fakeDiag struct {
	dropped int64
	active  int
}

func (f fakeDiag) Dropped() int64      { return f.dropped }
func (f fakeDiag) ActiveSessions() int { return f.active }

func TestListToolsHandler(t *testing.T) {
	catalog := fakeCatalog{decls: []protocol.ToolDeclaration{
		{Name: "echo.say", Description: "says things", RiskLevel: protocol.RiskLow},
	}}
	p := Plugin(catalog, fakeSessions{}, fakeDiag{})

	h := New(t, p)
	result, err := h.Invoke(context.Background(), "list_tools", protocol.ToolInvocationContext{}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type: %T", result)
	}
	tools, ok := out["tools"].([]map[string]any)
	if !ok || len(tools) != 1 || tools[0]["name"] != "echo.say" {
		t.Fatalf("unexpected tools: %+v", out)
	}
}

func TestGetSessionInfoHandler(t *testing.T) {
	started := time.Now()
	sessions := fakeSessions{state: "running", startedAt: started}
	p := Plugin(fakeCatalog{}, sessions, fakeDiag{})

	h := New(t, p)
	result, err := h.Invoke(context.Background(), "get_session_info", protocol.ToolInvocationContext{SessionID: "s1"}, map[string]any{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out := result.(map[string]any)
	if out["state"] != "running" || out["session_id"] != "s1" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestGetDiagnosticsHandler(t *testing.T) {
	p := Plugin(fakeCatalog{}, fakeSessions{}, fakeDiag{dropped: 3, active: 2})
	h := New(t, p)
	result, err := h.Invoke(context.Background(), "get_diagnostics", protocol.ToolInvocationContext{}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out := result.(map[string]any)
	if out["bus_dropped"] != int64(3) || out["active_sessions"] != 2 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

// New is a tiny test helper wiring p into a fresh pluginhost.Host.
func New(t *testing.T, p pluginhost.BuiltinPlugin) *pluginhost.Host {
	t.Helper()
	h := pluginhost.New(nil, nil)
	if err := h.RegisterBuiltin(p); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	return h
}
