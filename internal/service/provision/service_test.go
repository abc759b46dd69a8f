package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
	"github.com/Yamkia/webnexagent/internal/repository/memory"
	"github.com/Yamkia/webnexagent/internal/supervisor"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	resolved bool
	ensured  []string
	err      error
}

func (f *fakeSource) Ensure(_ context.Context, version string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ensured = append(f.ensured, version)
	return "/opt/odoo/versions/" + version, nil
}

func (f *fakeSource) Resolved(string) bool { return f.resolved }
func (f *fakeSource) Dir(version string) string {
	return "/opt/odoo/versions/" + version
}

type fakeAdmin struct {
	existing  map[string]bool
	created   []string
	dropped   []string
	createErr error
	readyErr  error
}

func (f *fakeAdmin) WaitReady(context.Context) error { return f.readyErr }

func (f *fakeAdmin) Exists(_ context.Context, name string) (bool, error) {
	return f.existing[name], nil
}

func (f *fakeAdmin) Create(_ context.Context, name string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeAdmin) Drop(_ context.Context, name string) error {
	f.dropped = append(f.dropped, name)
	return nil
}

type fakeSupervisor struct {
	kind       domain.EnvironmentKind
	calls      []string
	stopped    []string
	installs   [][]string
	installErr error
	startErr   error
}

func (f *fakeSupervisor) Register(_ context.Context, spec supervisor.ServiceSpec) (string, error) {
	f.calls = append(f.calls, "register")
	return "svc-" + spec.Name, nil
}

func (f *fakeSupervisor) InstallModules(_ context.Context, _ supervisor.ServiceSpec, modules []string) error {
	f.calls = append(f.calls, "install")
	f.installs = append(f.installs, modules)
	return f.installErr
}

func (f *fakeSupervisor) Start(context.Context, string) error {
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeSupervisor) Stop(_ context.Context, ref string) error {
	f.calls = append(f.calls, "stop")
	f.stopped = append(f.stopped, ref)
	return nil
}

func (f *fakeSupervisor) Status(context.Context, string) (supervisor.Status, error) {
	return supervisor.StatusRunning, nil
}

func (f *fakeSupervisor) TailLog(context.Context, string, int) ([]string, error) {
	return []string{"line"}, nil
}

func (f *fakeSupervisor) Deregister(context.Context, string) error {
	f.calls = append(f.calls, "deregister")
	return nil
}

func (f *fakeSupervisor) Kind() domain.EnvironmentKind { return f.kind }

type failingRegistry struct{}

func (failingRegistry) Upsert(context.Context, domain.EnvironmentRecord) ([]domain.EnvironmentRecord, error) {
	return nil, errors.New("disk on fire")
}

func (failingRegistry) List(context.Context) ([]domain.EnvironmentRecord, error) { return nil, nil }
func (failingRegistry) Remove(context.Context, string) error                     { return nil }

func testService(t *testing.T, sup *fakeSupervisor, admin *fakeAdmin, reg repository.RegistryStore) *Service {
	t.Helper()
	dir := t.TempDir()
	svc := New(&fakeSource{resolved: true}, admin, sup, nil, reg, newTestLogger(), Options{
		ConfigDir:      dir,
		LogDir:         dir,
		DefaultVersion: "19.0",
		PortRangeStart: 8100,
		PortRangeEnd:   8199,
		DBHost:         "localhost",
		DBPort:         5432,
		DBUser:         "odoo",
		DBPassword:     "odoo",
	})
	svc.probe = func(int) bool { return true }
	return svc
}

func TestRunHappyPath(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	admin := &fakeAdmin{existing: map[string]bool{}}
	registry := memory.NewRegistry()
	svc := testService(t, sup, admin, registry)

	var lines []string
	record, err := svc.Run(context.Background(), domain.ProvisionRequest{
		Name:    "acme",
		Modules: []string{"sale"},
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Port != 8100 {
		t.Fatalf("port = %d, want 8100", record.Port)
	}
	if record.URL != "http://localhost:8100" {
		t.Fatalf("url = %q", record.URL)
	}
	if record.OdooVersion != "19.0" {
		t.Fatalf("version = %q, want default 19.0", record.OdooVersion)
	}
	if record.Kind != domain.KindNative {
		t.Fatalf("kind = %q", record.Kind)
	}
	if len(admin.created) != 1 || admin.created[0] != "acme" {
		t.Fatalf("created databases = %v", admin.created)
	}
	want := []string{"register", "install", "install", "start"}
	if fmt.Sprint(sup.calls) != fmt.Sprint(want) {
		t.Fatalf("supervisor calls = %v, want %v", sup.calls, want)
	}
	if fmt.Sprint(sup.installs[0]) != fmt.Sprint(baselineModules) {
		t.Fatalf("first install = %v, want baseline", sup.installs[0])
	}
	if fmt.Sprint(sup.installs[1]) != "[sale]" {
		t.Fatalf("second install = %v", sup.installs[1])
	}

	list, err := registry.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].DatabaseName != "acme" {
		t.Fatalf("registry = %+v", list)
	}

	joined := strings.Join(lines, "\n")
	for _, state := range []State{StateSourceResolved, StateDatabaseEnsured, StateConfigWritten, StateServiceRegistered, StateInitialized, StateStarted, StateRegistered} {
		if !strings.Contains(joined, string(state)) {
			t.Fatalf("progress log missing state %s:\n%s", state, joined)
		}
	}
}

func TestRunExistingDatabaseSkipsCreate(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	admin := &fakeAdmin{existing: map[string]bool{"acme": true}}
	svc := testService(t, sup, admin, memory.NewRegistry())

	if _, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(admin.created) != 0 {
		t.Fatalf("created databases = %v, want none", admin.created)
	}
}

func TestRunInitFailureLeavesDatabase(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative, installErr: errors.New("module sale not found")}
	admin := &fakeAdmin{existing: map[string]bool{}}
	registry := memory.NewRegistry()
	svc := testService(t, sup, admin, registry)

	_, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, nil)
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("err = %v, want ErrInitialization", err)
	}
	// No rollback: the database stays for inspection.
	if len(admin.dropped) != 0 {
		t.Fatalf("dropped databases = %v, want none", admin.dropped)
	}
	list, _ := registry.List(context.Background())
	if len(list) != 0 {
		t.Fatalf("registry = %+v, want empty after failed run", list)
	}
}

func TestRunStepErrorsCarrySentinel(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Service, *fakeSupervisor, *fakeAdmin)
		want error
	}{
		{"source", func(s *Service, _ *fakeSupervisor, _ *fakeAdmin) {
			s.source = &fakeSource{err: errors.New("clone failed")}
		}, ErrSourceFetch},
		{"database", func(_ *Service, _ *fakeSupervisor, a *fakeAdmin) {
			a.createErr = errors.New("permission denied")
		}, ErrDatabase},
		{"dependency", func(_ *Service, _ *fakeSupervisor, a *fakeAdmin) {
			a.readyErr = errors.New("connection refused")
		}, ErrDatabase},
		{"start", func(_ *Service, sup *fakeSupervisor, _ *fakeAdmin) {
			sup.startErr = errors.New("unit failed")
		}, ErrStart},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sup := &fakeSupervisor{kind: domain.KindNative}
			admin := &fakeAdmin{existing: map[string]bool{}}
			svc := testService(t, sup, admin, memory.NewRegistry())
			tc.mut(svc, sup, admin)

			_, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRunRegistryPersistFailureStillSucceeds(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	admin := &fakeAdmin{existing: map[string]bool{}}
	svc := testService(t, sup, admin, failingRegistry{})

	var lines []string
	record, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.URL == "" {
		t.Fatalf("expected usable record despite registry failure")
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "warning") {
		t.Fatalf("expected a persist warning in the progress log:\n%s", joined)
	}
}

func TestRunSkipsBusyPorts(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	svc := testService(t, sup, &fakeAdmin{existing: map[string]bool{}}, memory.NewRegistry())
	svc.probe = func(port int) bool { return port >= 8103 }

	record, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Port != 8103 {
		t.Fatalf("port = %d, want 8103", record.Port)
	}
}

func TestRunExplicitPortBypassesProbe(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	svc := testService(t, sup, &fakeAdmin{existing: map[string]bool{}}, memory.NewRegistry())
	svc.probe = func(int) bool { return false }

	record, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme", HTTPPort: 9999}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Port != 9999 {
		t.Fatalf("port = %d, want 9999", record.Port)
	}
}

func TestRunNoFreePort(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	svc := testService(t, sup, &fakeAdmin{existing: map[string]bool{}}, memory.NewRegistry())
	svc.probe = func(int) bool { return false }

	_, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, nil)
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort", err)
	}
}

func TestWebsiteDesignExpandsModules(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	svc := testService(t, sup, &fakeAdmin{existing: map[string]bool{}}, memory.NewRegistry())

	_, err := svc.Run(context.Background(), domain.ProvisionRequest{
		Name:          "acme",
		WebsiteDesign: "theme_clean",
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sup.installs) != 2 {
		t.Fatalf("installs = %v", sup.installs)
	}
	if fmt.Sprint(sup.installs[1]) != "[website theme_clean]" {
		t.Fatalf("design install = %v", sup.installs[1])
	}
}

func TestSelectSupervisorExplicitKindUnavailable(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	svc := testService(t, sup, &fakeAdmin{existing: map[string]bool{}}, memory.NewRegistry())

	_, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme", Kind: "docker"}, nil)
	if err == nil || !strings.Contains(err.Error(), "docker environments not available") {
		t.Fatalf("err = %v", err)
	}
}

func TestDropStopsServiceAndRemovesRecord(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	admin := &fakeAdmin{existing: map[string]bool{}}
	registry := memory.NewRegistry()
	svc := testService(t, sup, admin, registry)

	if _, err := svc.Run(context.Background(), domain.ProvisionRequest{Name: "acme"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sup.calls = nil

	if err := svc.Drop(context.Background(), "acme"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if fmt.Sprint(sup.calls) != "[stop deregister]" {
		t.Fatalf("supervisor calls = %v", sup.calls)
	}
	if len(admin.dropped) != 1 || admin.dropped[0] != "acme" {
		t.Fatalf("dropped = %v", admin.dropped)
	}
	list, _ := registry.List(context.Background())
	if len(list) != 0 {
		t.Fatalf("registry after drop = %+v", list)
	}
}

func TestDropWithoutRegistryRecordCleansUp(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	admin := &fakeAdmin{existing: map[string]bool{"acme": true}}
	svc := testService(t, sup, admin, memory.NewRegistry())

	if err := svc.Drop(context.Background(), "acme"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if fmt.Sprint(sup.calls) != "[stop deregister]" {
		t.Fatalf("supervisor calls = %v", sup.calls)
	}
	if len(sup.stopped) != 1 || sup.stopped[0] != supervisor.UnitName("acme") {
		t.Fatalf("stopped refs = %v", sup.stopped)
	}
	if len(admin.dropped) != 1 || admin.dropped[0] != "acme" {
		t.Fatalf("dropped = %v", admin.dropped)
	}
}

func TestDropUnknownEnvironmentNotFound(t *testing.T) {
	sup := &fakeSupervisor{kind: domain.KindNative}
	admin := &fakeAdmin{existing: map[string]bool{}}
	svc := testService(t, sup, admin, memory.NewRegistry())

	if err := svc.Drop(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Drop unknown = %v, want not found", err)
	}
	if len(sup.calls) != 0 {
		t.Fatalf("supervisor calls = %v", sup.calls)
	}
	if len(admin.dropped) != 0 {
		t.Fatalf("dropped = %v", admin.dropped)
	}
}
