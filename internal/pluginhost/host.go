// Package pluginhost implements the plugin architecture: built-in plugins
// are compiled-in Go values registered at startup, and user plugins are
// out-of-process peers that dial the same request socket as containers,
// identified by a reserved "plugin:{name}" source prefix. Both are served
// through one unified tool-name → manifest → handler registry.
package pluginhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/credentials"
	"github.com/carapace-run/carapace/internal/protocol"
)

// CoreServices is the only surface a built-in plugin's handler ever sees:
// emitting events and reading its own declared credentials, exposed as
// direct method calls since built-in plugins run in-process.
type CoreServices struct {
	bus         *bus.Bus
	credentials *credentials.Reader
	pluginName  string
}

// Emit publishes an event on the bus with Source set to this plugin's
// reserved identity.
func (s CoreServices) Emit(topic string, payload map[string]any) {
	s.bus.Publish(protocol.EventEnvelope{
		Topic:   topic,
		Source:  "plugin:" + s.pluginName,
		Payload: payload,
	})
}

// ReadCredential returns the stored value of this plugin's credential key as
// the credentials reader finds it on disk. It does not decrypt ENC[age:...]
// blobs and does not check key against manifest.install.credentials.
func (s CoreServices) ReadCredential(key string) (string, error) {
	if s.credentials == nil {
		return "", fmt.Errorf("no credential reader configured")
	}
	return s.credentials.Read(s.pluginName, key)
}

// Handler is a built-in plugin's tool implementation.
type Handler func(ctx context.Context, ic protocol.ToolInvocationContext, args map[string]any, svc CoreServices) (any, error)

// BuiltinPlugin is a compiled-in Go value registered at startup.
type BuiltinPlugin struct {
	Name     string
	Manifest protocol.PluginManifest
	Handlers map[string]Handler // tool name -> handler
}

type registeredTool struct {
	pluginName string
	decl       protocol.ToolDeclaration
	handler    Handler
	isPeer     bool
}

// Host is the unified registry of every tool the router can dispatch to,
// whether served by a built-in plugin or an out-of-process peer.
type Host struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	bus   *bus.Bus
	creds *credentials.Reader
	peers map[string]*PeerConn // plugin name -> connection, for out-of-process plugins
}

// New creates an empty Host.
func New(b *bus.Bus, creds *credentials.Reader) *Host {
	return &Host{
		tools: make(map[string]*registeredTool),
		bus:   b,
		creds: creds,
		peers: make(map[string]*PeerConn),
	}
}

// RegisterBuiltin validates p's manifest and wires every declared tool to
// its handler. Returns an error if the manifest declares a tool with no
// matching handler, or a tool name already registered by another plugin.
func (h *Host) RegisterBuiltin(p BuiltinPlugin) error {
	if err := ValidateManifest(p.Manifest); err != nil {
		return fmt.Errorf("builtin plugin manifest invalid: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, decl := range p.Manifest.Provides.Tools {
		handler, ok := p.Handlers[decl.Name]
		if !ok {
			return fmt.Errorf("builtin plugin declares tool %q with no handler", decl.Name)
		}
		if _, exists := h.tools[decl.Name]; exists {
			return fmt.Errorf("tool %q already registered", decl.Name)
		}
		h.tools[decl.Name] = &registeredTool{
			pluginName: p.Name,
			decl:       decl,
			handler:    handler,
		}
	}
	return nil
}

// RegisterPeer registers every tool declared by a peer manifest as routed
// to conn. The peer's actual request/response exchange happens over conn,
// keyed by the reserved "plugin:{name}" source identity.
func (h *Host) RegisterPeer(name string, manifest protocol.PluginManifest, conn *PeerConn) error {
	if err := ValidateManifest(manifest); err != nil {
		return fmt.Errorf("peer plugin manifest invalid: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, decl := range manifest.Provides.Tools {
		if _, exists := h.tools[decl.Name]; exists {
			return fmt.Errorf("tool %q already registered", decl.Name)
		}
		h.tools[decl.Name] = &registeredTool{
			pluginName: name,
			decl:       decl,
			isPeer:     true,
		}
	}
	h.peers[name] = conn
	return nil
}

// Declarations returns every registered tool's declaration, for the
// list_tools intrinsic and the schema validator's catalog.
func (h *Host) Declarations() []protocol.ToolDeclaration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.ToolDeclaration, 0, len(h.tools))
	for _, rt := range h.tools {
		out = append(out, rt.decl)
	}
	return out
}

// Lookup returns the declaration and owning plugin name for tool, or false
// if unregistered.
func (h *Host) Lookup(tool string) (decl protocol.ToolDeclaration, pluginName string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rt, ok := h.tools[tool]
	if !ok {
		return protocol.ToolDeclaration{}, "", false
	}
	return rt.decl, rt.pluginName, true
}

// Invoke dispatches to tool's handler: a direct in-process call for a
// built-in plugin, or a request/response round trip over the peer's
// connection for an out-of-process plugin.
func (h *Host) Invoke(ctx context.Context, tool string, ic protocol.ToolInvocationContext, args map[string]any) (any, error) {
	h.mu.RLock()
	rt, ok := h.tools[tool]
	var peer *PeerConn
	if ok && rt.isPeer {
		peer = h.peers[rt.pluginName]
	}
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}

	if rt.isPeer {
		if peer == nil {
			return nil, fmt.Errorf("plugin %q has no live connection", rt.pluginName)
		}
		return peer.Invoke(ctx, tool, ic, args)
	}

	svc := CoreServices{bus: h.bus, credentials: h.creds, pluginName: rt.pluginName}
	return rt.handler(ctx, ic, args, svc)
}
