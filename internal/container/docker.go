package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime drives sandboxed sessions through the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using the standard DOCKER_HOST/env
// configuration.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Name() string { return "docker" }

func (d *DockerRuntime) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := d.cli.Ping(pingCtx)
	return err == nil
}

func (d *DockerRuntime) Start(ctx context.Context, spec Spec) (Handle, error) {
	startCtx, cancel := context.WithTimeout(ctx, spec.StartTimeout)
	defer cancel()

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	// The container exposes no network port to the host by default — the
	// only channel out is the bind-mounted request socket. When a plugin's
	// manifest declares an HTTP capability needing a reachable callback
	// port (e.g. a webhook receiver tool), diagnosticsPort binds it.
	exposedPorts, portBindings := diagnosticsPortConfig(spec)

	resp, err := d.cli.ContainerCreate(startCtx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		ExposedPorts: exposedPorts,
		Labels: map[string]string{
			"carapace.session_id": spec.SessionID,
		},
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.WorkDir, Target: "/workspace"},
			{Type: mount.TypeBind, Source: spec.SocketPath, Target: "/run/carapace.sock"},
		},
		PortBindings: portBindings,
		Resources: container.Resources{
			Memory:   spec.MemoryLimit,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
		AutoRemove: true,
	}, nil, nil, "carapace-"+spec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("create container for session %s: %w", spec.SessionID, err)
	}

	if err := d.cli.ContainerStart(startCtx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container for session %s: %w", spec.SessionID, err)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach logs for session %s: %w", spec.SessionID, err)
	}

	return &dockerHandle{cli: d.cli, id: resp.ID, logs: logs}, nil
}

func diagnosticsPortConfig(spec Spec) (nat.PortSet, nat.PortMap) {
	if spec.DiagnosticsPort == 0 {
		return nil, nil
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.DiagnosticsPort))
	return nat.PortSet{port: struct{}{}},
		nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.DiagnosticsPort)}}}
}

type dockerHandle struct {
	cli  *client.Client
	id   string
	logs io.ReadCloser
}

func (h *dockerHandle) Stdout() io.Reader { return h.logs }

func (h *dockerHandle) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *dockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return h.cli.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &seconds})
}
