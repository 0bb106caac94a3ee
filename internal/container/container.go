// Package container defines the abstract ContainerRuntime a session uses to
// spawn, monitor, and tear down its sandboxed process, plus the concrete
// runtimes the supervisor probes in order: Docker, Podman, and the "apple
// containers" CLI, falling back to a bare subprocess runner for
// environments with none of the above.
package container

import (
	"context"
	"io"
	"time"
)

// Spec describes everything a runtime needs to start one sandboxed
// container for a session.
type Spec struct {
	SessionID    string
	Image        string
	WorkDir      string            // host directory bind-mounted into the container
	SocketPath   string            // host path of the request-socket file, bind-mounted in
	Env          map[string]string
	Command      []string
	MemoryLimit  int64 // bytes, 0 means unbounded
	CPULimit     float64
	StartTimeout time.Duration

	// DiagnosticsPort, if non-zero, binds a host-reachable port to the
	// same container-internal port for plugins whose manifest declares an
	// HTTP capability needing an inbound callback.
	DiagnosticsPort int
}

// Handle is a running container instance.
type Handle interface {
	// Stdout streams the container's combined stdout as line-delimited
	// JSON.
	Stdout() io.Reader
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Stop sends a graceful-then-forceful shutdown signal.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runtime is the abstract container backend. Probing an ordered list of
// concrete runtimes, rather than hardcoding one, lets the session manager
// run the same sandboxing model across Docker Desktop, Podman, and macOS's
// native "container" CLI.
type Runtime interface {
	// Name identifies the runtime for logging ("docker", "podman",
	// "apple-containers", "exec").
	Name() string
	// Available reports whether this runtime's binary/daemon is reachable
	// on this host. Checked once at startup to build the probe order.
	Available(ctx context.Context) bool
	// Start launches a new container per spec and returns its Handle.
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Probe returns the first available runtime from candidates, in order.
func Probe(ctx context.Context, candidates []Runtime) (Runtime, error) {
	for _, rt := range candidates {
		if rt.Available(ctx) {
			return rt, nil
		}
	}
	return nil, errNoRuntimeAvailable
}

var errNoRuntimeAvailable = runtimeError("no container runtime available: tried docker, podman, apple-containers, exec")

type runtimeError string

func (e runtimeError) Error() string { return string(e) }
