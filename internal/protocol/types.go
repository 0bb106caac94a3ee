// Package protocol defines the wire and envelope types that flow between
// containers, the router, the event bus, and the plugin host.
package protocol

import "time"

// EnvelopeType distinguishes the three canonical envelope kinds. Fixed by
// the producer kind — never chosen by the router.
type EnvelopeType string

const (
	TypeEvent    EnvelopeType = "event"
	TypeRequest  EnvelopeType = "request"
	TypeResponse EnvelopeType = "response"
)

// EventEnvelope is the core-canonical message shape. id is uniquely
// core-assigned; group scopes everything a session may ever see.
type EventEnvelope struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Type        EnvelopeType   `json:"type"`
	Topic       string         `json:"topic"`
	Source      string         `json:"source"`
	Correlation string         `json:"correlation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Group       string         `json:"group"`
	Payload     map[string]any `json:"payload"`
}

// WireMessage is the only shape a container is permitted to emit. It must
// never carry any of the envelope identity fields (id, version, type,
// source, group, timestamp) — stage 2 of the router rejects any that do.
type WireMessage struct {
	Topic       string         `json:"topic"`
	Correlation string         `json:"correlation"`
	Arguments   map[string]any `json:"arguments"`
}

// IdentityFields lists the envelope identity fields that a WireMessage must
// never carry. Used by the wire-format isolation stage to scan raw JSON.
var IdentityFields = []string{"id", "version", "type", "source", "group", "timestamp"}

// RequestEnvelope is built by the router from a WireMessage plus the
// session's trusted identity. Immutable once constructed.
type RequestEnvelope struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Type        EnvelopeType   `json:"type"`
	Topic       string         `json:"topic"`
	Source      string         `json:"source"`
	Correlation string         `json:"correlation"`
	Timestamp   time.Time      `json:"timestamp"`
	Group       string         `json:"group"`
	Arguments   map[string]any `json:"arguments"`
}

// ResponsePayload carries exactly one non-null field.
type ResponsePayload struct {
	Result any           `json:"result"`
	Error  *ErrorPayload `json:"error"`
}

// ResponseEnvelope is always sent back in reply to a RequestEnvelope.
// Correlation copies the request's correlation verbatim.
type ResponseEnvelope struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Type        EnvelopeType    `json:"type"`
	Source      string          `json:"source"`
	Correlation string          `json:"correlation"`
	Timestamp   time.Time       `json:"timestamp"`
	Group       string          `json:"group"`
	Payload     ResponsePayload `json:"payload"`
}

// ErrorCode is the closed error taxonomy exposed on the wire (spec §7).
// None of these may be "unknown" — every failure path maps to exactly one.
type ErrorCode string

const (
	ErrValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrUnknownTool         ErrorCode = "UNKNOWN_TOOL"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"
	ErrPluginTimeout       ErrorCode = "PLUGIN_TIMEOUT"
	ErrPluginError         ErrorCode = "PLUGIN_ERROR"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// ErrorPayload is the shape of every error a ResponseEnvelope may carry.
type ErrorPayload struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Retriable  bool      `json:"retriable"`
	RetryAfter float64   `json:"retry_after,omitempty"`
}

// NewErrorResponse builds a ResponseEnvelope carrying only an error.
func NewErrorResponse(id, correlation, group, source string, errPayload ErrorPayload) ResponseEnvelope {
	return ResponseEnvelope{
		ID:          id,
		Version:     1,
		Type:        TypeResponse,
		Source:      source,
		Correlation: correlation,
		Timestamp:   time.Now(),
		Group:       group,
		Payload:     ResponsePayload{Error: &errPayload},
	}
}

// NewResultResponse builds a ResponseEnvelope carrying only a result.
func NewResultResponse(id, correlation, group, source string, result any) ResponseEnvelope {
	return ResponseEnvelope{
		ID:          id,
		Version:     1,
		Type:        TypeResponse,
		Source:      source,
		Correlation: correlation,
		Timestamp:   time.Now(),
		Group:       group,
		Payload:     ResponsePayload{Result: result},
	}
}

// RiskLevel gates the router's confirmation stage.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolDeclaration describes a registered tool to the schema validator,
// catalog, and intrinsic list_tools handler.
type ToolDeclaration struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	RiskLevel       RiskLevel      `json:"risk_level"`
	ArgumentsSchema map[string]any `json:"arguments_schema"`
}

// SessionPolicy governs whether and how a prior Claude session id is
// attached to a new spawn.
type SessionPolicy string

const (
	PolicyFresh    SessionPolicy = "fresh"
	PolicyResume   SessionPolicy = "resume"
	PolicyExplicit SessionPolicy = "explicit"
)

// CredentialInstall names a credential key a plugin expects to be able to
// read via CoreServices.ReadCredential at install time.
type CredentialInstall struct {
	Key string `json:"key"`
}

// PluginManifest describes a plugin's provided channels/tools and declared
// subscriptions. Validated against the fixed manifest schema at load time.
type PluginManifest struct {
	Description string        `json:"description"`
	Version     string        `json:"version"`
	AppCompat   string        `json:"app_compat"`
	Author      string        `json:"author"`
	Provides    struct {
		Channels []string          `json:"channels"`
		Tools    []ToolDeclaration `json:"tools"`
	} `json:"provides"`
	Subscribes []string      `json:"subscribes"`
	Session    SessionPolicy `json:"session,omitempty"`
	Install    *struct {
		Credentials []CredentialInstall `json:"credentials"`
	} `json:"install,omitempty"`
}

// AuditOutcome is the closed outcome enum for AuditEntry.
type AuditOutcome string

const (
	OutcomeRouted AuditOutcome = "routed"
	OutcomeError  AuditOutcome = "error"
)

// AuditEntry is one append-only record of a completed router stage
// transition. Read access is scoped read-only to the owning group.
type AuditEntry struct {
	Timestamp   time.Time    `json:"timestamp"`
	Group       string       `json:"group"`
	Source      string       `json:"source"`
	Topic       string       `json:"topic"`
	Correlation string       `json:"correlation"`
	Stage       string       `json:"stage"`
	Outcome     AuditOutcome `json:"outcome"`
	Error       string       `json:"error,omitempty"`
}

// ToolInvocationContext is the only context a plugin handler ever sees.
type ToolInvocationContext struct {
	Group         string    `json:"group"`
	SessionID     string    `json:"sessionId"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// FailureCategory is the closed enum get_session_info maps plugin init
// failures to.
type FailureCategory string

const (
	FailureNetwork  FailureCategory = "NETWORK_ERROR"
	FailureAuth     FailureCategory = "AUTH_ERROR"
	FailureConfig   FailureCategory = "CONFIG_ERROR"
	FailureInternal FailureCategory = "INTERNAL_ERROR"
)
