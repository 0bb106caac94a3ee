// Package session implements the Session value object, its starting →
// running → stopping → stopped lifecycle, and the Manager that enforces
// max_sessions_per_group and drives spawn/stop through a
// container.Runtime.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/container"
	"github.com/carapace-run/carapace/internal/protocol"
	"github.com/carapace-run/carapace/internal/storage/dirstore"
	"github.com/carapace-run/carapace/internal/streamparser"
	"github.com/carapace-run/carapace/internal/transport"
)

// State is one of the four session lifecycle states.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Session is the supervisor's record of one spawned container.
type Session struct {
	ID                 string    `json:"sessionId"`
	Group              string    `json:"group"`
	ContainerID        string    `json:"containerId"`
	ConnectionIdentity string    `json:"connectionIdentity"`
	StartedAt          time.Time `json:"startedAt"`

	mu    sync.Mutex
	state State
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SpawnOptions carries everything needed to authorize and start a new
// session spawn.
type SpawnOptions struct {
	Group             string
	Image             string
	TaskPrompt        string
	ResumeSessionID   string // CARAPACE_RESUME_SESSION_ID, resume/explicit policies only
	AnthropicAPIKey   string // not passed to the container by Spawn
	CredentialsMount  string
	StartTimeout      time.Duration
}

// Manager enforces max_sessions_per_group and drives the session lifecycle
// end to end: socket bind, container spawn, and cleanup on exit or stop.
// One exclusive lock guards the (sessionId → Session) map; every
// spawn/cleanup transition goes through it.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*Session
	byGroup        map[string]int
	maxPerGroup    int
	runtime        container.Runtime
	sockets        transport.RequestSocket
	bus            *bus.Bus
	logs           *dirstore.DirStore // per-session transcript/meta persistence
	claudeSessions streamparser.ClaudeSessions
}

// NewManager creates a Manager. logs, if non-nil, persists one directory
// per session under its root for transcript/meta durability.
// claudeSessions, if non-nil, receives the claude session id the
// streaming parser observes in each session's stdout.
func NewManager(maxPerGroup int, runtime container.Runtime, sockets transport.RequestSocket, b *bus.Bus, logs *dirstore.DirStore, claudeSessions streamparser.ClaudeSessions) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		byGroup:        make(map[string]int),
		maxPerGroup:    maxPerGroup,
		runtime:        runtime,
		sockets:        sockets,
		bus:            b,
		logs:           logs,
		claudeSessions: claudeSessions,
	}
}

// Spawn authorizes and starts a new session for opts.Group, enforcing
// max_sessions_per_group. On any error after the socket is bound, the
// socket is unbound before returning.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	m.mu.Lock()
	if m.byGroup[opts.Group] >= m.maxPerGroup {
		m.mu.Unlock()
		return nil, fmt.Errorf("group %q at max_sessions_per_group (%d)", opts.Group, m.maxPerGroup)
	}
	id := "sess_" + uuid.NewString()
	sess := &Session{ID: id, Group: opts.Group, ConnectionIdentity: id, StartedAt: time.Now(), state: StateStarting}
	m.sessions[id] = sess
	m.byGroup[opts.Group]++
	m.mu.Unlock()

	addr, err := m.sockets.Bind(id)
	if err != nil {
		m.cleanup(sess)
		return nil, fmt.Errorf("bind socket for session %s: %w", id, err)
	}

	env := map[string]string{
		"CARAPACE_TASK_PROMPT": opts.TaskPrompt,
	}
	if opts.ResumeSessionID != "" {
		env["CARAPACE_RESUME_SESSION_ID"] = opts.ResumeSessionID
	}

	spec := container.Spec{
		SessionID:    id,
		Image:        opts.Image,
		SocketPath:   addr,
		Env:          env,
		StartTimeout: opts.StartTimeout,
	}

	handle, err := m.runtime.Start(ctx, spec)
	if err != nil {
		_ = m.sockets.Unbind(id)
		m.cleanup(sess)
		return nil, fmt.Errorf("start container for session %s: %w", id, err)
	}

	sess.ContainerID = id
	sess.setState(StateRunning)

	if m.logs != nil {
		_ = m.logs.EnsureDir(opts.Group)
		_ = m.logs.AppendJSONL(opts.Group, sess.ID+".jsonl", map[string]any{
			"event":      "session.started",
			"session_id": sess.ID,
			"started_at": sess.StartedAt,
		})
	}

	m.publish(sess, "session.started", nil)

	parser := streamparser.New(m.bus, m.claudeSessions, sess.Group, sess.ID)
	go func() {
		_ = parser.Run(context.Background(), handle.Stdout())
	}()

	go m.watchExit(context.Background(), sess, handle)

	return sess, nil
}

func (m *Manager) watchExit(ctx context.Context, sess *Session, handle container.Handle) {
	code, err := handle.Wait(ctx)
	sess.setState(StateStopped)
	payload := map[string]any{"exit_code": code}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.publish(sess, "session.stopped", payload)
	if m.logs != nil {
		_ = m.logs.AppendJSONL(sess.Group, sess.ID+".jsonl", map[string]any{
			"event":      "session.stopped",
			"session_id": sess.ID,
			"exit_code":  code,
		})
	}
	_ = m.sockets.Unbind(sess.ID)
	m.cleanup(sess)
}

// Stop transitions id to stopping and asks the runtime to stop its
// container within grace. It does not clean up bookkeeping itself; the exit
// watcher started by Spawn does that once the container exits.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration, handle container.Handle) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}

	sess.setState(StateStopping)
	if err := handle.Stop(ctx, grace); err != nil {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	return nil
}

// Get returns the session for id, or false if unknown.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ActiveSessions returns the total count of sessions currently tracked
// (any state), for the get_diagnostics intrinsic.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSessionsInGroup returns the count of sessions currently tracked
// for group, for the dispatcher's per-group concurrency check.
func (m *Manager) ActiveSessionsInGroup(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byGroup[group]
}

// Group implements router.SessionLookup: it resolves a request-socket
// identity (the session id, since every session's ConnectionIdentity is
// its own session id) to the group it belongs to.
func (m *Manager) Group(identity string) (string, bool) {
	sess, ok := m.Get(identity)
	if !ok {
		return "", false
	}
	return sess.Group, true
}

// Alive implements router.SessionLookup: it reports whether identity's
// container is still in a state the router may keep waiting on. The
// router abandons an in-flight call the moment this turns false.
func (m *Manager) Alive(identity string) bool {
	sess, ok := m.Get(identity)
	if !ok {
		return false
	}
	st := sess.State()
	return st == StateStarting || st == StateRunning
}

// Describe implements intrinsics.SessionInfo for get_session_info.
func (m *Manager) Describe(sessionID string) (string, time.Time, *protocol.FailureCategory, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return "", time.Time{}, nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return string(sess.State()), sess.StartedAt, nil, nil
}

func (m *Manager) cleanup(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	if m.byGroup[sess.Group] > 0 {
		m.byGroup[sess.Group]--
	}
	m.mu.Unlock()
}

func (m *Manager) publish(sess *Session, topic string, extra map[string]any) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{"session_id": sess.ID}
	for k, v := range extra {
		payload[k] = v
	}
	m.bus.Publish(protocol.EventEnvelope{
		ID:        uuid.NewString(),
		Version:   1,
		Type:      protocol.TypeEvent,
		Topic:     topic,
		Source:    "core",
		Timestamp: time.Now(),
		Group:     sess.Group,
		Payload:   payload,
	})
}
