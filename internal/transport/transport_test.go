package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func TestUnixRouterRoundTrip(t *testing.T) {
	r, err := NewUnixRouter(t.TempDir())
	if err != nil {
		t.Fatalf("NewUnixRouter: %v", err)
	}
	defer r.Close()

	addr, err := r.Bind("sess1")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, []byte(`{"topic":"tool.invoke.echo"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	identity, payload, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if identity != "sess1" {
		t.Fatalf("unexpected identity: %q", identity)
	}
	if string(payload) != `{"topic":"tool.invoke.echo"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	if err := r.Send("sess1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Fatalf("unexpected reply: %s", reply)
	}
}

func TestFakeRouterRoundTrip(t *testing.T) {
	f := NewFake()
	defer f.Close()

	if _, err := f.Bind("sess1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	f.InjectFromContainer("sess1", []byte(`{"topic":"tool.invoke.echo"}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	identity, payload, err := f.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if identity != "sess1" || string(payload) != `{"topic":"tool.invoke.echo"}` {
		t.Fatalf("unexpected recv: %s %s", identity, payload)
	}

	if err := f.Send("sess1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case reply := <-f.PeerChannel("sess1"):
		if string(reply) != `{"ok":true}` {
			t.Fatalf("unexpected reply: %s", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
