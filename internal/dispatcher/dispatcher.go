// Package dispatcher turns a message.inbound or task.triggered event into a
// session spawn, a drop, a rejection, or an error, by applying a fixed,
// ordered set of spawn-authorization rules.
package dispatcher

import (
	"context"
	"time"

	"github.com/carapace-run/carapace/internal/claudesession"
	"github.com/carapace-run/carapace/internal/protocol"
	"github.com/carapace-run/carapace/internal/session"
)

// Result is the closed set of outcomes a dispatch can produce.
type Result string

const (
	ResultSpawned Result = "spawned"
	ResultDropped Result = "dropped"
	ResultRejected Result = "rejected"
	ResultError   Result = "error"
)

// Outcome pairs a Result with a human-readable reason.
type Outcome struct {
	Result  Result
	Reason  string
	Session *session.Session
}

// SessionSpawner is the narrow slice of *session.Manager the dispatcher
// needs, injected as an interface so the dispatcher can be tested without a
// real session manager.
type SessionSpawner interface {
	Spawn(ctx context.Context, opts session.SpawnOptions) (*session.Session, error)
	ActiveSessionsInGroup(group string) int
}

// ClaudeSessions is the narrow slice of *claudesession.Store the dispatcher
// needs for the "resume" session policy.
type ClaudeSessions interface {
	GetLatest(ctx context.Context, group string) (claudesession.Record, bool, error)
}

// SessionResolver is the plugin-provided resolveSession hook a manifest
// with session:"explicit" must implement.
type SessionResolver func(ctx context.Context, env protocol.EventEnvelope) (claudeSessionID string, ok bool)

// GroupConfig is the per-group configuration the dispatcher consults.
type GroupConfig struct {
	Image               string
	MaxSessionsPerGroup int
	SessionPolicy       protocol.SessionPolicy
	Resolver            SessionResolver // only consulted for PolicyExplicit
}

// Dispatcher consumes message.inbound and task.triggered events and applies
// the six spawn-authorization rules in order.
type Dispatcher struct {
	configuredGroups map[string]GroupConfig
	sessions         SessionSpawner
	claude           ClaudeSessions
	startTimeout     time.Duration
	image            string
}

// New creates a Dispatcher. groups maps group name to its configuration;
// a group absent from the map is "unconfigured" for rule 2.
func New(groups map[string]GroupConfig, sessions SessionSpawner, claude ClaudeSessions, startTimeout time.Duration, defaultImage string) *Dispatcher {
	return &Dispatcher{
		configuredGroups: groups,
		sessions:         sessions,
		claude:           claude,
		startTimeout:     startTimeout,
		image:            defaultImage,
	}
}

// Dispatch applies the six spawn-authorization rules to env, which must
// have Topic "message.inbound" or "task.triggered" — the caller is expected
// to have already filtered by topic; Dispatch focuses on the group/session
// rules.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.EventEnvelope) Outcome {
	// Rule 1: empty group.
	if env.Group == "" {
		return Outcome{Result: ResultDropped, Reason: "empty group"}
	}

	cfg, configured := d.configuredGroups[env.Group]

	// Rule 2: message.inbound requires a configured group; task.triggered
	// bypasses this rule (schedulers may target any group).
	if env.Topic == "message.inbound" && !configured {
		return Outcome{Result: ResultDropped, Reason: "unconfigured group"}
	}
	if !configured {
		// task.triggered against an unconfigured group still needs a
		// config to spawn with — fall back to defaults.
		cfg = GroupConfig{Image: d.image, MaxSessionsPerGroup: 1, SessionPolicy: protocol.PolicyFresh}
	}

	// Rule 3: concurrency limit.
	max := cfg.MaxSessionsPerGroup
	if max <= 0 {
		max = 1
	}
	if d.sessions.ActiveSessionsInGroup(env.Group) >= max {
		return Outcome{Result: ResultRejected, Reason: "concurrent limit"}
	}

	// Rule 4: session policy.
	resumeID := d.applySessionPolicy(ctx, cfg, env)

	opts := session.SpawnOptions{
		Group:           env.Group,
		Image:           cfg.Image,
		ResumeSessionID: resumeID,
		StartTimeout:    d.startTimeout,
	}
	if opts.Image == "" {
		opts.Image = d.image
	}

	// Rule 5: task.triggered passes CARAPACE_TASK_PROMPT when present.
	if env.Topic == "task.triggered" {
		if prompt, ok := env.Payload["prompt"].(string); ok && prompt != "" {
			opts.TaskPrompt = prompt
		}
	}

	// Rule 6: spawn via the session manager; never silently retry.
	sess, err := d.sessions.Spawn(ctx, opts)
	if err != nil {
		return Outcome{Result: ResultError, Reason: err.Error()}
	}
	return Outcome{Result: ResultSpawned, Reason: "", Session: sess}
}

func (d *Dispatcher) applySessionPolicy(ctx context.Context, cfg GroupConfig, env protocol.EventEnvelope) string {
	switch cfg.SessionPolicy {
	case protocol.PolicyResume:
		if d.claude == nil {
			return ""
		}
		rec, ok, err := d.claude.GetLatest(ctx, env.Group)
		if err == nil && ok {
			return rec.ClaudeSessionID
		}
		return ""
	case protocol.PolicyExplicit:
		if cfg.Resolver == nil {
			return ""
		}
		if id, ok := cfg.Resolver(ctx, env); ok {
			return id
		}
		return ""
	default: // PolicyFresh and unset
		return ""
	}
}
