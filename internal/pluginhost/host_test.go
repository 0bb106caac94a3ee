package pluginhost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/protocol"
)

func echoManifest(toolName string) protocol.PluginManifest {
	m := protocol.PluginManifest{Version: "1.0.0"}
	m.Provides.Tools = []protocol.ToolDeclaration{
		{Name: toolName, Description: "echoes its input", RiskLevel: protocol.RiskLow},
	}
	return m
}

func TestRegisterBuiltinAndInvoke(t *testing.T) {
	h := New(bus.New(0), nil)

	plugin := BuiltinPlugin{
		Name:     "echo",
		Manifest: echoManifest("echo.say"),
		Handlers: map[string]Handler{
			"echo.say": func(ctx context.Context, ic protocol.ToolInvocationContext, args map[string]any, svc CoreServices) (any, error) {
				svc.Emit("plugin.invoked", map[string]any{"tool": "echo.say"})
				return args["text"], nil
			},
		},
	}

	if err := h.RegisterBuiltin(plugin); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	result, err := h.Invoke(context.Background(), "echo.say", protocol.ToolInvocationContext{Group: "g1"}, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "hi" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestRegisterBuiltinRejectsMissingHandler(t *testing.T) {
	h := New(bus.New(0), nil)
	plugin := BuiltinPlugin{
		Name:     "broken",
		Manifest: echoManifest("broken.tool"),
		Handlers: map[string]Handler{},
	}
	if err := h.RegisterBuiltin(plugin); err == nil {
		t.Fatal("expected error for missing handler")
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	h := New(bus.New(0), nil)
	if _, err := h.Invoke(context.Background(), "nope", protocol.ToolInvocationContext{}, nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

type fakeSender struct {
	sent chan []byte
}

func (f *fakeSender) Send(identity string, payload []byte) error {
	f.sent <- payload
	return nil
}

func TestPeerConnRoundTrip(t *testing.T) {
	sender := &fakeSender{sent: make(chan []byte, 1)}
	encode := func(req protocol.RequestEnvelope) ([]byte, error) { return json.Marshal(req) }
	decode := func(raw []byte) (protocol.ResponseEnvelope, error) {
		var r protocol.ResponseEnvelope
		err := json.Unmarshal(raw, &r)
		return r, err
	}

	conn := NewPeerConn("remote-tool", sender, encode, decode)

	done := make(chan struct{})
	var invokeErr error
	var result any
	go func() {
		defer close(done)
		result, invokeErr = conn.Invoke(context.Background(), "remote.thing", protocol.ToolInvocationContext{Group: "g1"}, map[string]any{"a": 1})
	}()

	var sentReq protocol.RequestEnvelope
	select {
	case raw := <-sender.sent:
		if err := json.Unmarshal(raw, &sentReq); err != nil {
			t.Fatalf("unmarshal sent request: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send")
	}

	resp := protocol.NewResultResponse("resp1", sentReq.Correlation, "g1", conn.Identity(), "ok")
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if err := conn.DeliverResponse(raw); err != nil {
		t.Fatalf("DeliverResponse: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invoke to return")
	}

	if invokeErr != nil {
		t.Fatalf("Invoke: %v", invokeErr)
	}
	if result != "ok" {
		t.Fatalf("unexpected result: %v", result)
	}
}
