// Package transport implements the request-socket abstraction: a
// core-bound, router-style endpoint where each connected container has a
// stable identity, plus the concrete Unix-domain-socket wire
// implementation used between core and container. Each identity gets its
// own listener and connection, with bind/unbind bookkeeping, over a
// length-prefixed byte stream.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// maxFrameBytes bounds a single frame so a malformed length prefix cannot
// cause an unbounded read.
const maxFrameBytes = 16 << 20 // 16 MiB

// RequestSocket is the abstract bind/send/recv primitive a router uses to
// talk to connected containers.
type RequestSocket interface {
	// Bind prepares to accept a connection under identity and returns the
	// address the container should dial.
	Bind(identity string) (addr string, err error)
	// Recv blocks until a frame arrives from any bound identity.
	Recv(ctx context.Context) (identity string, payload []byte, err error)
	// Send delivers payload to the connection bound to identity.
	Send(identity string, payload []byte) error
	// Unbind tears down the connection and listener for identity.
	Unbind(identity string) error
	// Close shuts down every bound identity.
	Close() error
}

type inbound struct {
	identity string
	payload  []byte
	err      error
}

type binding struct {
	listener net.Listener
	conn     net.Conn
	mu       sync.Mutex
	done     chan struct{}
}

// UnixRouter is the wire implementation of RequestSocket: one Unix-domain
// stream-socket listener per session identity, under dir, with
// length-prefixed JSON framing (a uint32 big-endian byte count followed by
// that many bytes of JSON).
type UnixRouter struct {
	dir string

	mu       sync.Mutex
	bindings map[string]*binding
	recv     chan inbound
	closed   bool
}

// NewUnixRouter creates a UnixRouter whose per-session socket files live
// under dir.
func NewUnixRouter(dir string) (*UnixRouter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	return &UnixRouter{
		dir:      dir,
		bindings: make(map[string]*binding),
		recv:     make(chan inbound, 256),
	}, nil
}

// Bind creates a listener for identity at {dir}/{identity}.sock and starts
// accepting the single connection a spawned container will make.
func (u *UnixRouter) Bind(identity string) (string, error) {
	path := filepath.Join(u.dir, identity+".sock")
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", path, err)
	}

	b := &binding{listener: ln, done: make(chan struct{})}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		ln.Close()
		return "", fmt.Errorf("router is closed")
	}
	u.bindings[identity] = b
	u.mu.Unlock()

	go u.acceptLoop(identity, b)

	return path, nil
}

func (u *UnixRouter) acceptLoop(identity string, b *binding) {
	conn, err := b.listener.Accept()
	if err != nil {
		select {
		case <-b.done:
		default:
			u.recv <- inbound{identity: identity, err: fmt.Errorf("accept %s: %w", identity, err)}
		}
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	reader := bufio.NewReader(conn)
	for {
		payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-b.done:
			default:
				u.recv <- inbound{identity: identity, err: fmt.Errorf("read %s: %w", identity, err)}
			}
			return
		}
		u.recv <- inbound{identity: identity, payload: payload}
	}
}

// Recv blocks until a frame arrives from any bound identity, or ctx is done.
func (u *UnixRouter) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case in := <-u.recv:
		return in.identity, in.payload, in.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Send writes a length-prefixed frame to identity's connection.
func (u *UnixRouter) Send(identity string, payload []byte) error {
	u.mu.Lock()
	b, ok := u.bindings[identity]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown identity %q", identity)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("identity %q has no connected peer", identity)
	}
	return writeFrame(conn, payload)
}

// Unbind closes identity's connection and listener, removing its socket
// file.
func (u *UnixRouter) Unbind(identity string) error {
	u.mu.Lock()
	b, ok := u.bindings[identity]
	if ok {
		delete(u.bindings, identity)
	}
	u.mu.Unlock()
	if !ok {
		return nil
	}

	close(b.done)
	b.listener.Close()
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()

	return os.Remove(filepath.Join(u.dir, identity+".sock"))
}

// Close tears down every bound identity.
func (u *UnixRouter) Close() error {
	u.mu.Lock()
	identities := make([]string, 0, len(u.bindings))
	for id := range u.bindings {
		identities = append(identities, id)
	}
	u.closed = true
	u.mu.Unlock()

	for _, id := range identities {
		_ = u.Unbind(id)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame size %d exceeds max %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame size %d exceeds max %d", len(payload), maxFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
