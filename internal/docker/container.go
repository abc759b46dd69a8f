package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// PullOutputCallback is invoked with incremental pull progress messages.
type PullOutputCallback func(string)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name      string
	Image     string
	Cmd       []string
	Env       []string
	Ports     nat.PortMap
	Mounts    map[string]string // host path -> container path
	Restart   string
	AutoStart bool
}

// PullImage fetches an image, streaming progress lines to onOutput.
func (c *Client) PullImage(ctx context.Context, ref string, onOutput PullOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker image pull: %w", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("docker image pull: %s", msg.Error)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

type pullMessage struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

func (m pullMessage) render() string {
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	if strings.TrimSpace(m.Status) != "" {
		parts = append(parts, strings.TrimSpace(m.Status))
	}
	if strings.TrimSpace(m.Progress) != "" {
		parts = append(parts, strings.TrimSpace(m.Progress))
	}
	return strings.Join(parts, " ")
}

// CreateContainer creates (without starting) a container from the spec and
// returns its id. An existing container with the same name is replaced.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if err := c.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range spec.Ports {
		cfg.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{PortBindings: spec.Ports}
	if spec.Restart != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.Restart)}
	}
	for host, dest := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{Type: mount.TypeBind, Source: host, Target: dest})
	}

	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if spec.AutoStart {
		if err := c.StartContainer(ctx, r.ID); err != nil {
			return "", err
		}
	}
	return r.ID, nil
}

// StartContainer starts a container; starting a running container succeeds.
func (c *Client) StartContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if err := c.inner.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a container; stopping a stopped container succeeds.
func (c *Client) StopContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if err := c.inner.ContainerStop(ctx, ref, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// ContainerRunning reports whether the container exists and is running.
func (c *Client) ContainerRunning(ctx context.Context, ref string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ContainerLogs reads a snapshot of the last maxLines log lines. Each call
// re-reads from the daemon; it never follows the stream.
func (c *Client) ContainerLogs(ctx context.Context, ref string, maxLines int) ([]string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if maxLines > 0 {
		opts.Tail = strconv.Itoa(maxLines)
	}
	reader, err := c.inner.ContainerLogs(ctx, ref, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("demultiplex container logs: %w", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RunToCompletion creates a container, starts it, waits for it to exit, and
// removes it. Returns the exit code and the collected log tail.
func (c *Client) RunToCompletion(ctx context.Context, spec ContainerSpec) (int64, []string, error) {
	spec.AutoStart = false
	spec.Restart = ""
	id, err := c.CreateContainer(ctx, spec)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = c.RemoveContainer(context.Background(), id) }()

	if err := c.StartContainer(ctx, id); err != nil {
		return 0, nil, err
	}

	statusCh, errCh := c.inner.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
wait:
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			return 0, nil, fmt.Errorf("wait for container: %w", err)
		case status := <-statusCh:
			exitCode = status.StatusCode
			break wait
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}

	tail, logErr := c.ContainerLogs(ctx, id, 50)
	if logErr != nil {
		tail = nil
	}
	return exitCode, tail, nil
}
