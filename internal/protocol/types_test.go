package protocol

import "testing"

func TestNewErrorResponseExactlyOneNonNull(t *testing.T) {
	resp := NewErrorResponse("id1", "corr1", "g1", "core", ErrorPayload{
		Code:      ErrUnknownTool,
		Message:   "no such tool",
		Retriable: false,
	})

	if resp.Payload.Error == nil {
		t.Fatal("expected non-nil error")
	}
	if resp.Payload.Result != nil {
		t.Fatal("expected nil result when error is set")
	}
	if resp.Correlation != "corr1" {
		t.Fatalf("correlation not preserved: %q", resp.Correlation)
	}
	if resp.Version != 1 || resp.Type != TypeResponse {
		t.Fatalf("unexpected version/type: %d %q", resp.Version, resp.Type)
	}
}

func TestNewResultResponseExactlyOneNonNull(t *testing.T) {
	resp := NewResultResponse("id2", "corr2", "g1", "core", map[string]any{"ok": true})

	if resp.Payload.Result == nil {
		t.Fatal("expected non-nil result")
	}
	if resp.Payload.Error != nil {
		t.Fatal("expected nil error when result is set")
	}
}
