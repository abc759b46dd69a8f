package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Yamkia/webnexagent/internal/domain"
)

const unitPrefix = "odoo-env-"

// commandRunner executes a host command and returns its combined output.
// Swappable in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	return cmd.CombinedOutput()
}

// Systemd supervises environments as host systemd units.
type Systemd struct {
	unitDir string
	logDir  string
	logger  *slog.Logger
	run     commandRunner
}

var _ Supervisor = (*Systemd)(nil)

// NewSystemd returns a native supervisor writing units into unitDir.
func NewSystemd(unitDir, logDir string, logger *slog.Logger) *Systemd {
	if logger == nil {
		logger = slog.Default()
	}
	return &Systemd{unitDir: unitDir, logDir: logDir, logger: logger, run: execRunner}
}

// Kind reports the native variant.
func (s *Systemd) Kind() domain.EnvironmentKind { return domain.KindNative }

// UnitName derives the unit name for an environment.
func UnitName(envName string) string {
	return unitPrefix + envName + ".service"
}

// Register writes the unit file, reloads the daemon, and enables the unit.
func (s *Systemd) Register(ctx context.Context, spec ServiceSpec) (string, error) {
	unit := UnitName(spec.Name)
	unitPath := filepath.Join(s.unitDir, unit)

	text := fmt.Sprintf(`[Unit]
Description=Odoo environment %s (v%s)
After=network.target postgresql.service

[Service]
Type=simple
ExecStart=%s -c %s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, spec.Name, spec.Version, filepath.Join(spec.SourceDir, "odoo-bin"), spec.ConfigPath)

	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return "", fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write unit file: %w", err)
	}
	if out, err := s.run(ctx, "systemctl", "daemon-reload"); err != nil {
		return "", fmt.Errorf("systemctl daemon-reload: %w: %s", err, string(out))
	}
	if out, err := s.run(ctx, "systemctl", "enable", unit); err != nil {
		return "", fmt.Errorf("systemctl enable %s: %w: %s", unit, err, string(out))
	}
	return unit, nil
}

// InstallModules runs odoo-bin one-shot passes with --stop-after-init.
// Each pass must exit zero before the service is started.
func (s *Systemd) InstallModules(ctx context.Context, spec ServiceSpec, modules []string) error {
	if len(modules) == 0 {
		return nil
	}
	bin := filepath.Join(spec.SourceDir, "odoo-bin")
	args := []string{
		"-c", spec.ConfigPath,
		"-d", spec.DatabaseName,
		"-i", strings.Join(modules, ","),
		"--stop-after-init",
	}
	out, err := s.run(ctx, bin, args...)
	if err != nil {
		return fmt.Errorf("install modules %s: %w: %s", strings.Join(modules, ","), err, tailOf(string(out), 2000))
	}
	return nil
}

// Start starts the unit; starting an active unit is a no-op for systemctl.
func (s *Systemd) Start(ctx context.Context, serviceRef string) error {
	if err := s.ensureRegistered(serviceRef); err != nil {
		return err
	}
	if out, err := s.run(ctx, "systemctl", "start", serviceRef); err != nil {
		return fmt.Errorf("systemctl start %s: %w: %s", serviceRef, err, string(out))
	}
	return nil
}

// Stop stops the unit; stopping an inactive unit succeeds.
func (s *Systemd) Stop(ctx context.Context, serviceRef string) error {
	if err := s.ensureRegistered(serviceRef); err != nil {
		return err
	}
	if out, err := s.run(ctx, "systemctl", "stop", serviceRef); err != nil {
		return fmt.Errorf("systemctl stop %s: %w: %s", serviceRef, err, string(out))
	}
	return nil
}

// Status maps `systemctl is-active` output onto the coarse status set.
// A query failure yields StatusUnknown, not an error.
func (s *Systemd) Status(ctx context.Context, serviceRef string) (Status, error) {
	out, err := s.run(ctx, "systemctl", "is-active", serviceRef)
	state := strings.TrimSpace(string(out))
	switch state {
	case "active", "activating":
		return StatusRunning, nil
	case "inactive", "failed", "deactivating":
		return StatusStopped, nil
	}
	if err != nil {
		s.logger.Warn("systemctl query failed", "unit", serviceRef, "output", state, "error", err)
	}
	return StatusUnknown, nil
}

// TailLog re-reads the environment logfile and returns the last maxLines
// lines. Each call starts over; there is no follow mode.
func (s *Systemd) TailLog(ctx context.Context, serviceRef string, maxLines int) ([]string, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(serviceRef, unitPrefix), ".service")
	logPath := filepath.Join(s.logDir, name+".log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log %s: %w", logPath, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// Deregister disables the unit and removes its file.
func (s *Systemd) Deregister(ctx context.Context, serviceRef string) error {
	if err := s.ensureRegistered(serviceRef); err != nil {
		return err
	}
	if out, err := s.run(ctx, "systemctl", "disable", serviceRef); err != nil {
		s.logger.Warn("systemctl disable failed", "unit", serviceRef, "output", string(out), "error", err)
	}
	if err := os.Remove(filepath.Join(s.unitDir, serviceRef)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if out, err := s.run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w: %s", err, string(out))
	}
	return nil
}

func (s *Systemd) ensureRegistered(serviceRef string) error {
	if _, err := os.Stat(filepath.Join(s.unitDir, serviceRef)); err != nil {
		if os.IsNotExist(err) {
			return ErrServiceNotFound
		}
		return fmt.Errorf("stat unit file: %w", err)
	}
	return nil
}

func tailOf(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
