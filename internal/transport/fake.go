package transport

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-process RequestSocket for tests, avoiding real sockets.
type Fake struct {
	mu     sync.Mutex
	peers  map[string]chan []byte // identity -> channel delivered to the "container" side
	recv   chan inbound
	closed bool
}

// NewFake returns an empty Fake router.
func NewFake() *Fake {
	return &Fake{
		peers: make(map[string]chan []byte),
		recv:  make(chan inbound, 256),
	}
}

// Bind registers identity; the returned addr is the identity itself (there
// is no real network address in the fake).
func (f *Fake) Bind(identity string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", fmt.Errorf("router is closed")
	}
	f.peers[identity] = make(chan []byte, 64)
	return identity, nil
}

// Recv blocks until a test injects a frame via InjectFromContainer, or ctx
// is done.
func (f *Fake) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case in := <-f.recv:
		return in.identity, in.payload, in.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Send delivers payload to whatever test code is reading PeerChannel(identity).
func (f *Fake) Send(identity string, payload []byte) error {
	f.mu.Lock()
	ch, ok := f.peers[identity]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown identity %q", identity)
	}
	select {
	case ch <- payload:
		return nil
	default:
		return fmt.Errorf("peer channel for %q is full", identity)
	}
}

// Unbind removes identity.
func (f *Fake) Unbind(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, identity)
	return nil
}

// Close tears down the fake router.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// InjectFromContainer simulates a container sending payload as identity.
func (f *Fake) InjectFromContainer(identity string, payload []byte) {
	f.recv <- inbound{identity: identity, payload: payload}
}

// PeerChannel returns the channel a simulated container reads core replies
// from, for identity.
func (f *Fake) PeerChannel(identity string) <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[identity]
}

var _ RequestSocket = (*UnixRouter)(nil)
var _ RequestSocket = (*Fake)(nil)
