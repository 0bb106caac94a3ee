package pluginhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/protocol"
)

// Sender is the narrow slice of a transport.RequestSocket a PeerConn needs:
// enough to push a request envelope to the identity the router has already
// demultiplexed this connection to.
type Sender interface {
	Send(identity string, payload []byte) error
}

// PeerConn is the router-side handle for one out-of-process plugin
// connection. The plugin dials the same request socket a container would,
// but under the reserved "plugin:{name}" source identity instead of a
// session identity; RegisterPeer wires its declared tools to Invoke round
// trips over this connection.
//
// A response reaches a pending Invoke only through DeliverResponse. The
// supervisor's receive loop hands every inbound frame to router.Handle and
// does not route frames from a peer identity to DeliverResponse.
type PeerConn struct {
	identity string
	sender   Sender
	encode   func(protocol.RequestEnvelope) ([]byte, error)
	decode   func([]byte) (protocol.ResponseEnvelope, error)

	mu      sync.Mutex
	pending map[string]chan protocol.ResponseEnvelope
}

// NewPeerConn builds a PeerConn bound to identity "plugin:{name}", sending
// framed requests through sender and expecting framed responses decoded by
// decode.
func NewPeerConn(name string, sender Sender, encode func(protocol.RequestEnvelope) ([]byte, error), decode func([]byte) (protocol.ResponseEnvelope, error)) *PeerConn {
	return &PeerConn{
		identity: "plugin:" + name,
		sender:   sender,
		encode:   encode,
		decode:   decode,
		pending:  make(map[string]chan protocol.ResponseEnvelope),
	}
}

// Invoke sends a RequestEnvelope for tool to the peer and blocks until its
// correlated ResponseEnvelope arrives or ctx is done.
func (p *PeerConn) Invoke(ctx context.Context, tool string, ic protocol.ToolInvocationContext, args map[string]any) (any, error) {
	correlation := uuid.NewString()
	req := protocol.RequestEnvelope{
		ID:          uuid.NewString(),
		Version:     1,
		Type:        protocol.TypeRequest,
		Topic:       tool,
		Source:      p.identity,
		Correlation: correlation,
		Timestamp:   ic.Timestamp,
		Group:       ic.Group,
		Arguments:   args,
	}

	ch := make(chan protocol.ResponseEnvelope, 1)
	p.mu.Lock()
	p.pending[correlation] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, correlation)
		p.mu.Unlock()
	}()

	payload, err := p.encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request to plugin %q: %w", p.identity, err)
	}
	if err := p.sender.Send(p.identity, payload); err != nil {
		return nil, fmt.Errorf("send to plugin %q: %w", p.identity, err)
	}

	select {
	case resp := <-ch:
		if resp.Payload.Error != nil {
			return nil, fmt.Errorf("plugin %q: %s: %s", p.identity, resp.Payload.Error.Code, resp.Payload.Error.Message)
		}
		return resp.Payload.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeliverResponse routes a raw frame received from this peer's identity to
// whichever Invoke call is waiting on its correlation id. Called by the
// router's demux loop, not by plugin code directly.
func (p *PeerConn) DeliverResponse(raw []byte) error {
	resp, err := p.decode(raw)
	if err != nil {
		return fmt.Errorf("decode response from plugin %q: %w", p.identity, err)
	}

	p.mu.Lock()
	ch, ok := p.pending[resp.Correlation]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin %q: no pending call for correlation %q", p.identity, resp.Correlation)
	}

	select {
	case ch <- resp:
	default:
	}
	return nil
}

// Identity returns this peer's reserved source identity ("plugin:{name}").
func (p *PeerConn) Identity() string {
	return p.identity
}
