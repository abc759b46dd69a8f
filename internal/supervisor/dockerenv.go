package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/Yamkia/webnexagent/internal/docker"
	"github.com/Yamkia/webnexagent/internal/domain"
)

const (
	odooContainerPort = nat.Port("8069/tcp")
	containerPrefix   = "odoo-env-"
	containerConfig   = "/etc/odoo/odoo.conf"
)

// DockerEnv supervises environments as long-lived Docker containers.
type DockerEnv struct {
	client *docker.Client
	logger *slog.Logger
}

var _ Supervisor = (*DockerEnv)(nil)

// NewDockerEnv returns a containerized supervisor.
func NewDockerEnv(client *docker.Client, logger *slog.Logger) *DockerEnv {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerEnv{client: client, logger: logger}
}

// Kind reports the containerized variant.
func (d *DockerEnv) Kind() domain.EnvironmentKind { return domain.KindDocker }

// ContainerName derives the container name for an environment.
func ContainerName(envName string) string {
	return containerPrefix + envName
}

func (d *DockerEnv) imageRef(version string) string {
	return "odoo:" + version
}

func (d *DockerEnv) spec(spec ServiceSpec, name string, cmd []string) docker.ContainerSpec {
	return docker.ContainerSpec{
		Name:  name,
		Image: d.imageRef(spec.Version),
		Cmd:   cmd,
		Env: []string{
			"HOST=" + spec.DBHost,
			"PORT=" + strconv.Itoa(spec.DBPort),
			"USER=" + spec.DBUser,
			"PASSWORD=" + spec.DBPassword,
		},
		Mounts: map[string]string{spec.ConfigPath: containerConfig},
	}
}

// Register pulls the version image and creates (without starting) the
// environment container with the host port bound to 8069.
func (d *DockerEnv) Register(ctx context.Context, spec ServiceSpec) (string, error) {
	if err := d.client.Ping(ctx); err != nil {
		return "", err
	}
	ref := d.imageRef(spec.Version)
	if err := d.client.PullImage(ctx, ref, func(line string) {
		d.logger.Debug("image pull progress", "image", ref, "line", line)
	}); err != nil {
		return "", err
	}

	name := ContainerName(spec.Name)
	cs := d.spec(spec, name, nil)
	cs.Ports = nat.PortMap{
		odooContainerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
	}
	cs.Restart = "unless-stopped"
	if _, err := d.client.CreateContainer(ctx, cs); err != nil {
		return "", err
	}
	return name, nil
}

// InstallModules runs one-shot containers with --stop-after-init, one pass
// per module list, to completion before the service container starts.
func (d *DockerEnv) InstallModules(ctx context.Context, spec ServiceSpec, modules []string) error {
	if len(modules) == 0 {
		return nil
	}
	moduleArg := strings.Join(modules, ",")
	cs := d.spec(spec, ContainerName(spec.Name)+"-init", []string{
		"odoo",
		"-d", spec.DatabaseName,
		"-i", moduleArg,
		"--stop-after-init",
	})
	exitCode, tail, err := d.client.RunToCompletion(ctx, cs)
	if err != nil {
		return fmt.Errorf("module install run: %w", err)
	}
	if exitCode != 0 {
		detail := ""
		if len(tail) > 0 {
			detail = ": " + strings.Join(tail, "\n")
		}
		return fmt.Errorf("module install for %s exited with status %d%s", moduleArg, exitCode, detail)
	}
	return nil
}

// Start starts the container; an already-running container is a success.
func (d *DockerEnv) Start(ctx context.Context, serviceRef string) error {
	if err := d.client.StartContainer(ctx, serviceRef); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return ErrServiceNotFound
		}
		return err
	}
	return nil
}

// Stop stops the container; an already-stopped container is a success.
func (d *DockerEnv) Stop(ctx context.Context, serviceRef string) error {
	if err := d.client.StopContainer(ctx, serviceRef); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return ErrServiceNotFound
		}
		return err
	}
	return nil
}

// Status inspects the container. Unreachable daemon or missing container
// yields StatusUnknown rather than an error.
func (d *DockerEnv) Status(ctx context.Context, serviceRef string) (Status, error) {
	running, err := d.client.ContainerRunning(ctx, serviceRef)
	if err != nil {
		if !errors.Is(err, docker.ErrNotFound) {
			d.logger.Warn("container status query failed", "container", serviceRef, "error", err)
		}
		return StatusUnknown, nil
	}
	if running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// TailLog returns a snapshot of the container's last maxLines log lines.
func (d *DockerEnv) TailLog(ctx context.Context, serviceRef string, maxLines int) ([]string, error) {
	lines, err := d.client.ContainerLogs(ctx, serviceRef, maxLines)
	if errors.Is(err, docker.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	return lines, err
}

// Deregister force-removes the container.
func (d *DockerEnv) Deregister(ctx context.Context, serviceRef string) error {
	return d.client.RemoveContainer(ctx, serviceRef)
}
