package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	calls  []string
	output map[string]string
	errFor map[string]error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if err, ok := f.errFor[call]; ok {
		return []byte(f.output[call]), err
	}
	return []byte(f.output[call]), nil
}

func newTestSystemd(t *testing.T) (*Systemd, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{output: map[string]string{}, errFor: map[string]error{}}
	s := NewSystemd(t.TempDir(), t.TempDir(), discardLogger())
	s.run = runner.run
	return s, runner
}

func TestSystemdRegisterWritesUnit(t *testing.T) {
	s, runner := newTestSystemd(t)
	spec := ServiceSpec{
		Name:       "clienta",
		Version:    "19.0",
		ConfigPath: "/etc/odoo-envs/clienta.conf",
		SourceDir:  "/opt/odoo/versions/19.0",
	}

	ref, err := s.Register(context.Background(), spec)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref != "odoo-env-clienta.service" {
		t.Fatalf("unexpected service reference %q", ref)
	}

	data, err := os.ReadFile(filepath.Join(s.unitDir, ref))
	if err != nil {
		t.Fatalf("unit file not written: %v", err)
	}
	text := string(data)
	for _, want := range []string{"odoo-bin -c /etc/odoo-envs/clienta.conf", "Description=Odoo environment clienta"} {
		if !strings.Contains(text, want) {
			t.Fatalf("unit file missing %q:\n%s", want, text)
		}
	}

	wantCalls := []string{"systemctl daemon-reload", "systemctl enable odoo-env-clienta.service"}
	if len(runner.calls) != len(wantCalls) {
		t.Fatalf("expected calls %v, got %v", wantCalls, runner.calls)
	}
	for i, want := range wantCalls {
		if runner.calls[i] != want {
			t.Fatalf("call %d: got %q want %q", i, runner.calls[i], want)
		}
	}
}

func TestSystemdStartUnregistered(t *testing.T) {
	s, _ := newTestSystemd(t)
	err := s.Start(context.Background(), "odoo-env-ghost.service")
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestSystemdStatusMapping(t *testing.T) {
	s, runner := newTestSystemd(t)

	cases := []struct {
		output string
		err    error
		want   Status
	}{
		{"active", nil, StatusRunning},
		{"inactive", nil, StatusStopped},
		{"failed", fmt.Errorf("exit status 3"), StatusStopped},
		{"", fmt.Errorf("systemctl unavailable"), StatusUnknown},
	}
	for _, tc := range cases {
		call := "systemctl is-active unit.service"
		runner.output[call] = tc.output
		runner.errFor[call] = tc.err

		got, err := s.Status(context.Background(), "unit.service")
		if err != nil {
			t.Fatalf("status should not error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("output %q: got %s want %s", tc.output, got, tc.want)
		}
	}
}

func TestSystemdTailLogSnapshot(t *testing.T) {
	s, _ := newTestSystemd(t)

	logPath := filepath.Join(s.logDir, "clienta.log")
	content := "one\ntwo\nthree\nfour\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	lines, err := s.TailLog(context.Background(), "odoo-env-clienta.service", 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 2 || lines[0] != "three" || lines[1] != "four" {
		t.Fatalf("expected last two lines, got %v", lines)
	}

	// A repeated call re-reads from the start and returns the same snapshot.
	again, err := s.TailLog(context.Background(), "odoo-env-clienta.service", 2)
	if err != nil {
		t.Fatalf("second tail: %v", err)
	}
	if len(again) != 2 || again[0] != "three" {
		t.Fatalf("tail should be restartable, got %v", again)
	}
}

func TestSystemdTailLogMissingFile(t *testing.T) {
	s, _ := newTestSystemd(t)
	lines, err := s.TailLog(context.Background(), "odoo-env-nolog.service", 10)
	if err != nil {
		t.Fatalf("missing log should not error: %v", err)
	}
	if lines != nil {
		t.Fatalf("expected no lines, got %v", lines)
	}
}
