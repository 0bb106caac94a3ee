// Package supervisor wires every leaf-first component built in internal/
// (bus, router, dispatcher, session manager, scheduler, diagnostics) into
// one running process and owns its start/stop lifecycle.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/carapace-run/carapace/internal/audit"
	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/claudesession"
	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/confirmation"
	"github.com/carapace-run/carapace/internal/container"
	"github.com/carapace-run/carapace/internal/credentials"
	"github.com/carapace-run/carapace/internal/diagnostics"
	"github.com/carapace-run/carapace/internal/dispatcher"
	"github.com/carapace-run/carapace/internal/heartbeat"
	"github.com/carapace-run/carapace/internal/intrinsics"
	"github.com/carapace-run/carapace/internal/limits"
	"github.com/carapace-run/carapace/internal/pluginhost"
	"github.com/carapace-run/carapace/internal/protocol"
	"github.com/carapace-run/carapace/internal/ratelimit"
	"github.com/carapace-run/carapace/internal/router"
	"github.com/carapace-run/carapace/internal/scheduler"
	"github.com/carapace-run/carapace/internal/schema"
	"github.com/carapace-run/carapace/internal/session"
	"github.com/carapace-run/carapace/internal/storage/dirstore"
	"github.com/carapace-run/carapace/internal/transport"
)

// Supervisor owns every core collaborator for one running instance.
type Supervisor struct {
	cfg *config.Config

	bus        *bus.Bus
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	sessions   *session.Manager
	claude     *claudesession.Store
	scheduler  *scheduler.Scheduler
	diag       *diagnostics.Server
	hb         *heartbeat.Writer
	sockets    *transport.UnixRouter
	auditLog   *audit.Log

	done chan struct{}
}

// New constructs every collaborator from cfg but does not start any
// goroutines yet; call Start for that.
func New(cfg *config.Config) (*Supervisor, error) {
	home := config.CarapaceHome()

	b := bus.New(cfg.Events.BufferSize)

	auditLog, err := audit.New(cfg.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	if err := credentials.GenerateIdentity(cfg.Credentials.IdentityPath); err != nil {
		return nil, fmt.Errorf("ensure credentials identity: %w", err)
	}
	credReader := credentials.NewReader(cfg.Credentials.Dir)

	host := pluginhost.New(b, credReader)

	claude, err := claudesession.Open(filepath.Join(home, "sessions.db"), cfg.Confirmation.TTL.Duration())
	if err != nil {
		return nil, fmt.Errorf("open claude session store: %w", err)
	}

	logStore := dirstore.NewDirStore(filepath.Join(home, "logs"), "session")

	candidates := runtimeCandidates(cfg.Runtime.PreferredRuntimes)
	rt, err := container.Probe(context.Background(), candidates)
	if err != nil {
		return nil, fmt.Errorf("probe container runtime: %w", err)
	}
	slog.Info("supervisor: container runtime selected", "runtime", rt.Name())

	sockets, err := transport.NewUnixRouter(filepath.Join(home, "sockets"))
	if err != nil {
		return nil, fmt.Errorf("create request socket router: %w", err)
	}

	sessions := session.NewManager(cfg.Sessions.MaxPerGroup, rt, sockets, b, logStore, claude)

	schemas := schema.NewCache()
	rates := ratelimit.NewBuckets(ratelimit.Limits{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})
	confirm := confirmation.New(b, cfg.Confirmation.TTL.Duration())

	r := router.New(
		limits.Config{
			MaxRawBytes:     cfg.Limits.MaxRawBytes,
			MaxPayloadBytes: cfg.Limits.MaxPayloadBytes,
			MaxFieldBytes:   cfg.Limits.MaxFieldBytes,
			MaxJSONDepth:    cfg.Limits.MaxJSONDepth,
		},
		schemas, rates, confirm, host, auditLog, sessions,
		cfg.Router.Workers, cfg.Router.HandlerTimeout.Duration(),
	)

	if err := host.RegisterBuiltin(intrinsics.Plugin(host, sessions, diagnosticsAdapter{b, sessions})); err != nil {
		return nil, fmt.Errorf("register intrinsic tools: %w", err)
	}

	disp := dispatcher.New(nil, sessions, claude, cfg.Runtime.StartTimeout.Duration(), cfg.Runtime.Image)

	sched := scheduler.New(scheduler.Config{
		Bus:   b,
		Store: scheduler.NewScheduleStore(filepath.Join(home, "schedule")),
	})

	diag := diagnostics.NewServer(b, cfg.Gateway.Host, cfg.Gateway.Port, 256)

	hb := heartbeat.NewWriter(filepath.Join(home, "heartbeat.json"))

	return &Supervisor{
		cfg:        cfg,
		bus:        b,
		router:     r,
		dispatcher: disp,
		sessions:   sessions,
		claude:     claude,
		scheduler:  sched,
		diag:       diag,
		hb:         hb,
		sockets:    sockets,
		auditLog:   auditLog,
		done:       make(chan struct{}),
	}, nil
}

// Start begins every background loop: the dispatcher's bus subscription,
// the request-socket recv loop, the scheduler, the diagnostics HTTP
// server, and the heartbeat writer. Returns once everything is running;
// call Wait or block on ctx.Done() to keep the process alive.
func (s *Supervisor) Start(ctx context.Context) error {
	s.hb.Start()
	s.scheduler.Start()

	unsubscribe := s.bus.Subscribe("", s.handleDispatchable)
	go func() {
		<-s.done
		unsubscribe()
	}()

	go s.recvLoop(ctx)

	if err := s.diag.Start(); err != nil {
		return fmt.Errorf("start diagnostics server: %w", err)
	}

	slog.Info("supervisor: started")
	return nil
}

// Stop tears down every collaborator in reverse dependency order.
func (s *Supervisor) Stop(ctx context.Context) {
	close(s.done)
	s.scheduler.Stop()
	s.hb.Stop()
	if err := s.diag.Shutdown(ctx); err != nil {
		slog.Warn("supervisor: diagnostics shutdown", "error", err)
	}
	if err := s.sockets.Close(); err != nil {
		slog.Warn("supervisor: socket router close", "error", err)
	}
	if err := s.claude.Close(); err != nil {
		slog.Warn("supervisor: claude session store close", "error", err)
	}
	s.bus.Close()
	slog.Info("supervisor: stopped")
}

func (s *Supervisor) handleDispatchable(env protocol.EventEnvelope) {
	if env.Topic != "message.inbound" && env.Topic != "task.triggered" {
		return
	}
	outcome := s.dispatcher.Dispatch(context.Background(), env)
	slog.Info("dispatcher: outcome", "result", outcome.Result, "reason", outcome.Reason, "group", env.Group)
}

func (s *Supervisor) recvLoop(ctx context.Context) {
	for {
		identity, payload, err := s.sockets.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("supervisor: request socket recv", "error", err)
			continue
		}
		go func(identity string, payload []byte) {
			resp, ok := s.router.Handle(ctx, identity, payload)
			if !ok {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				slog.Warn("supervisor: marshal response", "error", err)
				return
			}
			if err := s.sockets.Send(identity, data); err != nil {
				slog.Warn("supervisor: send response", "identity", identity, "error", err)
			}
		}(identity, payload)
	}
}

func runtimeCandidates(preferred []string) []container.Runtime {
	var out []container.Runtime
	for _, name := range preferred {
		switch name {
		case "docker":
			if rt, err := container.NewDockerRuntime(); err == nil {
				out = append(out, rt)
			}
		case "podman":
			out = append(out, container.NewPodmanRuntime())
		case "apple-containers":
			out = append(out, container.NewAppleContainerRuntime())
		case "exec":
			out = append(out, container.NewExecRuntime("claude"))
		}
	}
	return out
}

type diagnosticsAdapter struct {
	b        *bus.Bus
	sessions *session.Manager
}

func (d diagnosticsAdapter) Dropped() int64      { return d.b.Dropped() }
func (d diagnosticsAdapter) ActiveSessions() int { return d.sessions.ActiveSessions() }

// Heartbeat returns the liveness status of the supervisor home directory's
// heartbeat file, used by the CLI's "status" and "doctor" subcommands.
func Heartbeat(home string) (heartbeat.Status, *heartbeat.Heartbeat, error) {
	return heartbeat.Check(filepath.Join(home, "heartbeat.json"), 2*time.Minute)
}
