// Package router implements the ten ordered middleware stages that turn a
// raw (identity, frame) pair from the request socket into a
// ResponseEnvelope, backed by a bounded worker pool for stage 8 (handler
// dispatch).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/audit"
	"github.com/carapace-run/carapace/internal/limits"
	"github.com/carapace-run/carapace/internal/pluginhost"
	"github.com/carapace-run/carapace/internal/protocol"
	"github.com/carapace-run/carapace/internal/ratelimit"
	"github.com/carapace-run/carapace/internal/sanitize"
	"github.com/carapace-run/carapace/internal/schema"
)

// DefaultHandlerTimeout is stage 8's default per-call timeout.
const DefaultHandlerTimeout = 30 * time.Second

const toolTopicPrefix = "tool.invoke."

// SessionLookup resolves the group a request-socket identity belongs to,
// and whether that identity's container is still running — stage 4
// through 9 must abandon an in-flight call without replying once the
// originating container has exited.
type SessionLookup interface {
	Group(identity string) (group string, ok bool)
	Alive(identity string) bool
}

// ConfirmationGate tracks out-of-band approvals for high-risk tool calls,
// keyed by correlation id.
type ConfirmationGate interface {
	Approved(correlation string) bool
}

// Router wires every stage-1..10 collaborator together. Constructed once
// per supervisor process.
type Router struct {
	limits         limits.Config
	schemas        *schema.Cache
	rates          *ratelimit.Buckets
	confirm        ConfirmationGate
	host           *pluginhost.Host
	audit          *audit.Log
	sessions       SessionLookup
	workers        chan struct{}
	handlerTimeout time.Duration
}

// New creates a Router. workerCount <= 0 uses 4×NumCPU.
func New(lim limits.Config, schemas *schema.Cache, rates *ratelimit.Buckets, confirm ConfirmationGate, host *pluginhost.Host, auditLog *audit.Log, sessions SessionLookup, workerCount int, handlerTimeout time.Duration) *Router {
	if workerCount <= 0 {
		workerCount = 4 * runtime.NumCPU()
	}
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	return &Router{
		limits:         lim.WithDefaults(),
		schemas:        schemas,
		rates:          rates,
		confirm:        confirm,
		host:           host,
		audit:          auditLog,
		sessions:       sessions,
		workers:        make(chan struct{}, workerCount),
		handlerTimeout: handlerTimeout,
	}
}

// Handle runs raw (the bytes received from identity) through all ten
// stages and returns the ResponseEnvelope to send back, or ok=false if
// the originating session's container exited mid-flight and the caller
// must not reply at all.
func (r *Router) Handle(ctx context.Context, identity string, raw []byte) (resp protocol.ResponseEnvelope, ok bool) {
	group, known := r.sessions.Group(identity)
	if !known {
		return r.errorResponse("", "", "", identity, protocol.ErrInternalError, "unknown session identity", false, 0), true
	}

	// Stage 1: size & shape limits, before any JSON parsing.
	if err := limits.CheckRawSize(r.limits, raw); err != nil {
		r.auditStage(group, identity, "", "", "limits", err)
		return r.errorResponse("", "", group, identity, protocol.ErrValidationFailed, err.Error(), false, 0), true
	}

	// Stage 2: wire-format isolation.
	wire, err := parseWireMessage(raw, r.limits)
	if err != nil {
		r.auditStage(group, identity, "", "", "wire_format", err)
		return r.errorResponse("", "", group, identity, protocol.ErrValidationFailed, err.Error(), false, 0), true
	}

	// Stage 3: topic validation. The error must never leak the names of
	// other registered tools.
	toolName, isToolTopic := strings.CutPrefix(wire.Topic, toolTopicPrefix)
	decl, _, registered := protocol.ToolDeclaration{}, "", false
	if isToolTopic && toolName != "" {
		decl, _, registered = r.host.Lookup(toolName)
	}
	if !isToolTopic || toolName == "" || !registered {
		r.auditStage(group, identity, wire.Topic, wire.Correlation, "topic_validation", fmt.Errorf("unregistered topic %q", wire.Topic))
		return r.errorResponse("", wire.Correlation, group, identity, protocol.ErrUnknownTool, "unknown tool", false, 0), true
	}

	// Stage 4: envelope construction — canonical from this point on.
	req := protocol.RequestEnvelope{
		ID:          uuid.NewString(),
		Version:     1,
		Type:        protocol.TypeRequest,
		Topic:       wire.Topic,
		Source:      identity,
		Correlation: wire.Correlation,
		Timestamp:   time.Now(),
		Group:       group,
		Arguments:   wire.Arguments,
	}
	r.auditStage(group, identity, req.Topic, req.Correlation, "envelope_construction", nil)

	if !r.sessions.Alive(identity) {
		return protocol.ResponseEnvelope{}, false
	}

	// Stage 5: schema validation.
	if err := r.schemas.Compile(toolName, decl.ArgumentsSchema); err != nil {
		r.auditStage(group, identity, req.Topic, req.Correlation, "schema_validation", err)
		return r.errorResponse(req.ID, req.Correlation, group, identity, protocol.ErrInternalError, err.Error(), false, 0), true
	}
	if verr := r.schemas.Validate(toolName, req.Arguments); verr != nil {
		r.auditStage(group, identity, req.Topic, req.Correlation, "schema_validation", verr)
		return r.errorResponse(req.ID, req.Correlation, group, identity, protocol.ErrValidationFailed, verr.Error(), false, 0), true
	}
	r.auditStage(group, identity, req.Topic, req.Correlation, "schema_validation", nil)

	if !r.sessions.Alive(identity) {
		return protocol.ResponseEnvelope{}, false
	}

	// Stage 6: rate limiting.
	allowed, retryAfter := r.rates.Allow(group, toolName)
	if !allowed {
		err := fmt.Errorf("rate limited, retry after %.3fs", retryAfter.Seconds())
		r.auditStage(group, identity, req.Topic, req.Correlation, "rate_limit", err)
		return r.errorResponse(req.ID, req.Correlation, group, identity, protocol.ErrRateLimited, "rate limited", true, retryAfter.Seconds()), true
	}
	r.auditStage(group, identity, req.Topic, req.Correlation, "rate_limit", nil)

	if !r.sessions.Alive(identity) {
		return protocol.ResponseEnvelope{}, false
	}

	// Stage 7: confirmation gate.
	if decl.RiskLevel == protocol.RiskHigh {
		if r.confirm == nil || !r.confirm.Approved(req.Correlation) {
			err := fmt.Errorf("tool %q requires confirmation", toolName)
			r.auditStage(group, identity, req.Topic, req.Correlation, "confirmation", err)
			return r.errorResponse(req.ID, req.Correlation, group, identity, protocol.ErrConfirmationRequired, "confirmation required", true, 0), true
		}
		// A one-shot approval must not authorize a second, different
		// invocation that happens to replay the same correlation id.
		if forgetter, ok := r.confirm.(interface{ Forget(string) }); ok {
			forgetter.Forget(req.Correlation)
		}
	}
	r.auditStage(group, identity, req.Topic, req.Correlation, "confirmation", nil)

	if !r.sessions.Alive(identity) {
		return protocol.ResponseEnvelope{}, false
	}

	// Stage 8: handler dispatch, through the bounded worker pool.
	result, err := r.dispatch(ctx, toolName, req)
	if err != nil {
		if !r.sessions.Alive(identity) {
			return protocol.ResponseEnvelope{}, false
		}
		code := protocol.ErrPluginError
		if err == context.DeadlineExceeded {
			code = protocol.ErrPluginTimeout
		}
		r.auditStage(group, identity, req.Topic, req.Correlation, "dispatch", err)
		return r.errorResponse(req.ID, req.Correlation, group, identity, code, err.Error(), false, 0), true
	}
	r.auditStage(group, identity, req.Topic, req.Correlation, "dispatch", nil)

	if !r.sessions.Alive(identity) {
		return protocol.ResponseEnvelope{}, false
	}

	// Stage 9: response sanitization.
	sanitized := sanitize.Scan(result)
	r.auditRedactions(group, identity, req.Topic, req.Correlation, sanitized.Redactions)

	// Stage 10: audit append (final "routed" entry).
	r.auditStage(group, identity, req.Topic, req.Correlation, "response", nil)

	return protocol.NewResultResponse(req.ID, req.Correlation, group, "core", sanitized.Value), true
}

func (r *Router) dispatch(ctx context.Context, toolName string, req protocol.RequestEnvelope) (any, error) {
	select {
	case r.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.workers }()

	callCtx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	ic := protocol.ToolInvocationContext{
		Group:         req.Group,
		SessionID:     req.Source,
		CorrelationID: req.Correlation,
		Timestamp:     req.Timestamp,
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := r.host.Invoke(callCtx, toolName, ic, req.Arguments)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (r *Router) errorResponse(id, correlation, group, source string, code protocol.ErrorCode, message string, retriable bool, retryAfter float64) protocol.ResponseEnvelope {
	if id == "" {
		id = uuid.NewString()
	}
	return protocol.NewErrorResponse(id, correlation, group, "core", protocol.ErrorPayload{
		Code:       code,
		Message:    message,
		Retriable:  retriable,
		RetryAfter: retryAfter,
	})
}

func (r *Router) auditStage(group, source, topic, correlation, stage string, stageErr error) {
	if r.audit == nil {
		return
	}
	entry := protocol.AuditEntry{
		Timestamp:   time.Now(),
		Group:       group,
		Source:      source,
		Topic:       topic,
		Correlation: correlation,
		Stage:       stage,
		Outcome:     protocol.OutcomeRouted,
	}
	if stageErr != nil {
		entry.Outcome = protocol.OutcomeError
		entry.Error = stageErr.Error()
	}
	_ = r.audit.Append(entry)
}

func (r *Router) auditRedactions(group, source, topic, correlation string, redactions []sanitize.Redaction) {
	if r.audit == nil || len(redactions) == 0 {
		return
	}
	paths := make([]string, len(redactions))
	for i, red := range redactions {
		paths[i] = red.Path
	}
	b, _ := json.Marshal(paths)
	_ = r.audit.Append(protocol.AuditEntry{
		Timestamp:   time.Now(),
		Group:       group,
		Source:      source,
		Topic:       topic,
		Correlation: correlation,
		Stage:       "sanitize_redactions",
		Outcome:     protocol.OutcomeRouted,
		Error:       string(b),
	})
}

// parseWireMessage implements stage 2: the raw frame must decode as a
// JSON object with a string topic, a string correlation, an object
// arguments, and none of the six envelope identity fields — regardless
// of what the schema for the named tool would otherwise allow.
func parseWireMessage(raw []byte, cfg limits.Config) (protocol.WireMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return protocol.WireMessage{}, fmt.Errorf("wire message must be a JSON object: %w", err)
	}

	for _, field := range protocol.IdentityFields {
		if _, present := generic[field]; present {
			return protocol.WireMessage{}, fmt.Errorf("wire message must not carry identity field %q", field)
		}
	}

	topicRaw, ok := generic["topic"]
	if !ok {
		return protocol.WireMessage{}, fmt.Errorf("wire message missing required field %q", "topic")
	}
	var topic string
	if err := json.Unmarshal(topicRaw, &topic); err != nil {
		return protocol.WireMessage{}, fmt.Errorf("wire message field %q must be a string", "topic")
	}

	correlationRaw, ok := generic["correlation"]
	if !ok {
		return protocol.WireMessage{}, fmt.Errorf("wire message missing required field %q", "correlation")
	}
	var correlation string
	if err := json.Unmarshal(correlationRaw, &correlation); err != nil {
		return protocol.WireMessage{}, fmt.Errorf("wire message field %q must be a string", "correlation")
	}

	argsRaw, ok := generic["arguments"]
	if !ok {
		return protocol.WireMessage{}, fmt.Errorf("wire message missing required field %q", "arguments")
	}
	arguments := map[string]any{}
	if err := json.Unmarshal(argsRaw, &arguments); err != nil {
		return protocol.WireMessage{}, fmt.Errorf("wire message field %q must be a JSON object", "arguments")
	}

	if err := limits.CheckPayloadSize(cfg, argsRaw); err != nil {
		return protocol.WireMessage{}, err
	}
	if err := limits.CheckFieldSizes(cfg, arguments); err != nil {
		return protocol.WireMessage{}, err
	}
	if err := limits.CheckJSONDepth(cfg, arguments); err != nil {
		return protocol.WireMessage{}, err
	}

	return protocol.WireMessage{Topic: topic, Correlation: correlation, Arguments: arguments}, nil
}
