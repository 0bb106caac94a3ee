package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// maxStdoutBuffer bounds the per-line scanner buffer, mirroring
// nevindra-oasis's maxOutput guard against an unbounded single line.
const maxStdoutBuffer = 1 << 20 // 1 MiB

// ExecRuntime runs the session's agent process directly as a host
// subprocess with no container isolation at all — the last-resort fallback
// when no container backend is reachable, primarily useful for local
// development and tests. Grounded directly on nevindra-oasis's
// cmd/sandbox/runner.go (os/exec.CommandContext, piped stdout, explicit
// environment allowlist, timeout-bounded Wait).
type ExecRuntime struct {
	binary string
}

// NewExecRuntime returns an ExecRuntime invoking binary as the session
// process (e.g. "claude").
func NewExecRuntime(binary string) *ExecRuntime {
	return &ExecRuntime{binary: binary}
}

func (e *ExecRuntime) Name() string { return "exec" }

// Available reports whether binary resolves on PATH. Always the last
// candidate probed — a bare subprocess is never preferred over real
// isolation.
func (e *ExecRuntime) Available(ctx context.Context) bool {
	_, err := exec.LookPath(e.binary)
	return err == nil
}

func (e *ExecRuntime) Start(ctx context.Context, spec Spec) (Handle, error) {
	args := spec.Command
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"CARAPACE_SOCKET=" + spec.SocketPath,
	}
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for session %s: %w", spec.SessionID, err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start subprocess for session %s: %w", spec.SessionID, err)
	}

	return &execHandle{cmd: cmd, stdout: stdout}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (h *execHandle) Stdout() io.Reader {
	return bufio.NewReaderSize(h.stdout, maxStdoutBuffer)
}

func (h *execHandle) Wait(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		return -1, ctx.Err()
	}
}

func (h *execHandle) Stop(ctx context.Context, grace time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		return h.cmd.Process.Kill()
	}

	done := make(chan struct{})
	go func() { h.cmd.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return h.cmd.Process.Kill()
	}
}
