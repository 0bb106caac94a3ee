package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// CLIRuntime drives a container backend through its CLI binary rather than
// a client library — covers Podman (API-compatible with the Docker CLI
// verbs this uses) and macOS's "container" CLI, neither of which has a Go
// client SDK available.
type CLIRuntime struct {
	name   string
	binary string
}

// NewPodmanRuntime returns a CLIRuntime driving the "podman" binary.
func NewPodmanRuntime() *CLIRuntime { return &CLIRuntime{name: "podman", binary: "podman"} }

// NewAppleContainerRuntime returns a CLIRuntime driving macOS's native
// "container" CLI.
func NewAppleContainerRuntime() *CLIRuntime { return &CLIRuntime{name: "apple-containers", binary: "container"} }

func (c *CLIRuntime) Name() string { return c.name }

func (c *CLIRuntime) Available(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(checkCtx, c.binary, "version")
	return cmd.Run() == nil
}

func (c *CLIRuntime) Start(ctx context.Context, spec Spec) (Handle, error) {
	args := []string{
		"run", "--rm", "-d",
		"--name", "carapace-" + spec.SessionID,
		"-v", spec.WorkDir + ":/workspace",
		"-v", spec.SocketPath + ":/run/carapace.sock",
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	if spec.MemoryLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", spec.MemoryLimit))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	startCtx, cancel := context.WithTimeout(ctx, spec.StartTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(startCtx, c.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s run session %s: %w: %s", c.name, spec.SessionID, err, stderr.String())
	}

	containerID := strings.TrimSpace(stdout.String())

	logsCmd := exec.CommandContext(ctx, c.binary, "logs", "-f", containerID)
	logsPipe, err := logsCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s attach logs for session %s: %w", c.name, spec.SessionID, err)
	}
	if err := logsCmd.Start(); err != nil {
		return nil, fmt.Errorf("%s start log follower for session %s: %w", c.name, spec.SessionID, err)
	}

	return &cliHandle{binary: c.binary, id: containerID, logs: logsPipe, logsCmd: logsCmd}, nil
}

type cliHandle struct {
	binary  string
	id      string
	logs    io.ReadCloser
	logsCmd *exec.Cmd
}

func (h *cliHandle) Stdout() io.Reader { return h.logs }

func (h *cliHandle) Wait(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, h.binary, "wait", h.id)
	out, err := cmd.Output()
	if err != nil {
		return -1, fmt.Errorf("%s wait %s: %w", h.binary, h.id, err)
	}
	var code int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &code); err != nil {
		return -1, fmt.Errorf("parse exit code %q: %w", out, err)
	}
	return code, nil
}

func (h *cliHandle) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	cmd := exec.CommandContext(ctx, h.binary, "stop", "-t", fmt.Sprintf("%d", seconds), h.id)
	return cmd.Run()
}
