// Package provision drives the environment provisioning workflow as an
// explicit state machine with typed step failures.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/odooconf"
	"github.com/Yamkia/webnexagent/internal/repository"
	"github.com/Yamkia/webnexagent/internal/supervisor"
)

// State names one node of the workflow state machine.
type State string

const (
	StateRequested         State = "requested"
	StateSourceResolved    State = "source_resolved"
	StateDatabaseEnsured   State = "database_ensured"
	StateConfigWritten     State = "config_written"
	StateServiceRegistered State = "service_registered"
	StateInitialized       State = "initialized"
	StateStarted           State = "started"
	StateRegistered        State = "registered"
	StateFailed            State = "failed"
)

// baselineModules is installed on every environment before any requested
// modules, mirroring the mandatory first initialization pass.
var baselineModules = []string{"base", "web"}

// SourceResolver locates or fetches the application tree for a version.
type SourceResolver interface {
	Ensure(ctx context.Context, version string) (string, error)
	Resolved(version string) bool
	Dir(version string) string
}

// DatabaseAdmin manages environment databases.
type DatabaseAdmin interface {
	WaitReady(ctx context.Context) error
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Drop(ctx context.Context, name string) error
}

// Options carries workflow settings independent of any single request.
type Options struct {
	ConfigDir      string
	LogDir         string
	DefaultVersion string
	PortRangeStart int
	PortRangeEnd   int
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
}

// Service executes the provisioning workflow. Supervisors may be nil for a
// variant that is unavailable on this host.
type Service struct {
	source   SourceResolver
	dbadmin  DatabaseAdmin
	native   supervisor.Supervisor
	dockerup supervisor.Supervisor
	registry repository.RegistryStore
	logger   *slog.Logger
	opts     Options
	probe    portProbe
	now      func() time.Time
}

// New returns a workflow service.
func New(source SourceResolver, admin DatabaseAdmin, native, dockerup supervisor.Supervisor, registry repository.RegistryStore, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PortRangeStart <= 0 {
		opts.PortRangeStart = 8100
	}
	if opts.PortRangeEnd < opts.PortRangeStart {
		opts.PortRangeEnd = opts.PortRangeStart + 99
	}
	return &Service{
		source:   source,
		dbadmin:  admin,
		native:   native,
		dockerup: dockerup,
		registry: registry,
		logger:   logger,
		opts:     opts,
		probe:    listenProbe,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// execution carries the mutable state threaded through one workflow run.
type execution struct {
	req        domain.ProvisionRequest
	sup        supervisor.Supervisor
	kind       domain.EnvironmentKind
	version    string
	port       int
	modules    []string
	adminPass  string
	sourceDir  string
	configPath string
	logPath    string
	serviceRef string
	logf       func(string)
}

func (ex *execution) log(format string, args ...any) {
	if ex.logf != nil {
		ex.logf(fmt.Sprintf(format, args...))
	}
}

type step struct {
	next State
	kind error
	fn   func(ctx context.Context, ex *execution) error
}

// Run executes the workflow for one request, streaming progress lines to
// logf. On success it returns the registered record; registry persistence is
// best-effort and never fails the run.
func (s *Service) Run(ctx context.Context, req domain.ProvisionRequest, logf func(string)) (domain.EnvironmentRecord, error) {
	ex, err := s.prepare(req, logf)
	if err != nil {
		return domain.EnvironmentRecord{}, err
	}

	steps := []step{
		{StateSourceResolved, ErrSourceFetch, s.resolveSource},
		{StateDatabaseEnsured, ErrDatabase, s.ensureDatabase},
		{StateConfigWritten, ErrConfigWrite, s.writeConfig},
		{StateServiceRegistered, ErrServiceRegistration, s.registerService},
		{StateInitialized, ErrInitialization, s.initialize},
		{StateStarted, ErrStart, s.start},
	}
	for _, st := range steps {
		if err := st.fn(ctx, ex); err != nil {
			ex.log("%s: %v", StateFailed, err)
			return domain.EnvironmentRecord{}, fmt.Errorf("%w: %w", st.kind, err)
		}
		ex.log("state: %s", st.next)
	}

	record := domain.EnvironmentRecord{
		DatabaseName: ex.req.Name,
		Port:         ex.port,
		OdooVersion:  ex.version,
		URL:          fmt.Sprintf("http://localhost:%d", ex.port),
		CreatedAt:    s.now(),
		Kind:         ex.kind,
		ServiceRef:   ex.serviceRef,
		ConfigPath:   ex.configPath,
		Modules:      ex.req.Modules,
	}
	// Best effort: the service is running whether or not this write lands.
	if _, err := s.registry.Upsert(ctx, record); err != nil {
		s.logger.Warn("registry persist failed", "db_name", record.DatabaseName, "port", record.Port, "error", err)
		ex.log("warning: %v: %v", ErrRegistryPersist, err)
	} else {
		ex.log("state: %s", StateRegistered)
	}
	ex.log("environment ready at %s", record.URL)
	return record, nil
}

func (s *Service) prepare(req domain.ProvisionRequest, logf func(string)) (*execution, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("environment name required")
	}
	ex := &execution{req: req, logf: logf}

	ex.version = strings.TrimSpace(req.Version)
	if ex.version == "" {
		ex.version = s.opts.DefaultVersion
	}

	ex.adminPass = strings.TrimSpace(req.AdminPassword)
	if ex.adminPass == "" {
		ex.adminPass = uuid.NewString()[:12]
	}

	ex.modules = append([]string(nil), req.Modules...)
	if design := strings.TrimSpace(req.WebsiteDesign); design != "" {
		ex.modules = append(ex.modules, "website", design)
	}

	kind, sup, err := s.selectSupervisor(req.Kind, ex.version)
	if err != nil {
		return nil, err
	}
	ex.kind, ex.sup = kind, sup
	ex.log("state: %s (kind=%s, version=%s)", StateRequested, ex.kind, ex.version)

	ex.port = req.HTTPPort
	if ex.port == 0 {
		port, err := pickPort(s.opts.PortRangeStart, s.opts.PortRangeEnd, s.probe)
		if err != nil {
			return nil, err
		}
		ex.port = port
		ex.log("assigned port %d", ex.port)
	}
	return ex, nil
}

// selectSupervisor honors an explicit kind, otherwise probes for a native
// installation before falling back to container mode.
func (s *Service) selectSupervisor(kind, version string) (domain.EnvironmentKind, supervisor.Supervisor, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case string(domain.KindNative):
		if s.native == nil {
			return "", nil, fmt.Errorf("native environments not available on this host")
		}
		return domain.KindNative, s.native, nil
	case string(domain.KindDocker):
		if s.dockerup == nil {
			return "", nil, fmt.Errorf("docker environments not available on this host")
		}
		return domain.KindDocker, s.dockerup, nil
	case "", "auto":
		if s.native != nil && s.source != nil && s.source.Resolved(version) {
			return domain.KindNative, s.native, nil
		}
		if s.dockerup != nil {
			return domain.KindDocker, s.dockerup, nil
		}
		if s.native != nil {
			return domain.KindNative, s.native, nil
		}
		return "", nil, fmt.Errorf("no supervisor variant available")
	default:
		return "", nil, fmt.Errorf("unknown environment type %q", kind)
	}
}

func (s *Service) resolveSource(ctx context.Context, ex *execution) error {
	if ex.kind == domain.KindDocker {
		// The container image carries the source; registration pulls it.
		ex.sourceDir = ""
		ex.log("using container image odoo:%s", ex.version)
		return nil
	}
	ex.log("resolving source tree for version %s", ex.version)
	dir, err := s.source.Ensure(ctx, ex.version)
	if err != nil {
		return err
	}
	ex.sourceDir = dir
	return nil
}

func (s *Service) ensureDatabase(ctx context.Context, ex *execution) error {
	if err := s.dbadmin.WaitReady(ctx); err != nil {
		return fmt.Errorf("%w: %w", supervisor.ErrDependencyUnavailable, err)
	}
	exists, err := s.dbadmin.Exists(ctx, ex.req.Name)
	if err != nil {
		return err
	}
	if exists {
		// Re-provisioning onto an existing database is supported.
		ex.log("database %s already exists, skipping creation", ex.req.Name)
		return nil
	}
	ex.log("creating database %s", ex.req.Name)
	return s.dbadmin.Create(ctx, ex.req.Name)
}

func (s *Service) writeConfig(ctx context.Context, ex *execution) error {
	ex.configPath = filepath.Join(s.opts.ConfigDir, ex.req.Name+".conf")
	ex.logPath = filepath.Join(s.opts.LogDir, ex.req.Name+".log")

	params := odooconf.Params{
		DBHost:        s.opts.DBHost,
		DBPort:        s.opts.DBPort,
		DBUser:        s.opts.DBUser,
		DBPassword:    s.opts.DBPassword,
		DBName:        ex.req.Name,
		AddonsPath:    s.addonsPath(ex),
		LogPath:       ex.logPath,
		HTTPPort:      ex.port,
		AdminPassword: ex.adminPass,
	}
	if err := os.MkdirAll(s.opts.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	summaryPath, err := odooconf.WriteFiles(params, ex.configPath)
	if err != nil {
		return err
	}
	ex.log("configuration written to %s (summary %s)", ex.configPath, summaryPath)
	return nil
}

func (s *Service) addonsPath(ex *execution) string {
	if ex.kind == domain.KindDocker {
		return "/usr/lib/python3/dist-packages/odoo/addons"
	}
	return filepath.Join(ex.sourceDir, "addons")
}

func (s *Service) registerService(ctx context.Context, ex *execution) error {
	ref, err := ex.sup.Register(ctx, s.serviceSpec(ex))
	if err != nil {
		return err
	}
	ex.serviceRef = ref
	ex.log("service %s registered", ref)
	return nil
}

func (s *Service) initialize(ctx context.Context, ex *execution) error {
	spec := s.serviceSpec(ex)
	ex.log("installing baseline modules: %s", strings.Join(baselineModules, ","))
	if err := ex.sup.InstallModules(ctx, spec, baselineModules); err != nil {
		return err
	}
	if len(ex.modules) > 0 {
		ex.log("installing requested modules: %s", strings.Join(ex.modules, ","))
		if err := ex.sup.InstallModules(ctx, spec, ex.modules); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) start(ctx context.Context, ex *execution) error {
	ex.log("starting service %s", ex.serviceRef)
	return ex.sup.Start(ctx, ex.serviceRef)
}

func (s *Service) serviceSpec(ex *execution) supervisor.ServiceSpec {
	return supervisor.ServiceSpec{
		Name:          ex.req.Name,
		DatabaseName:  ex.req.Name,
		Version:       ex.version,
		Port:          ex.port,
		ConfigPath:    ex.configPath,
		LogPath:       ex.logPath,
		SourceDir:     ex.sourceDir,
		AddonsPath:    s.addonsPath(ex),
		DBHost:        s.opts.DBHost,
		DBPort:        s.opts.DBPort,
		DBUser:        s.opts.DBUser,
		DBPassword:    s.opts.DBPassword,
		AdminPassword: ex.adminPass,
	}
}

// TailLog snapshots the service log for a registered environment.
func (s *Service) TailLog(ctx context.Context, record domain.EnvironmentRecord, maxLines int) ([]string, error) {
	sup := s.supervisorFor(record.Kind)
	if sup == nil {
		return nil, supervisor.ErrServiceNotFound
	}
	return sup.TailLog(ctx, record.ServiceRef, maxLines)
}

// Status queries the service state for a registered environment.
func (s *Service) Status(ctx context.Context, record domain.EnvironmentRecord) (supervisor.Status, error) {
	sup := s.supervisorFor(record.Kind)
	if sup == nil {
		return supervisor.StatusUnknown, nil
	}
	return sup.Status(ctx, record.ServiceRef)
}

// Drop tears an environment down: stop and deregister its service, drop the
// database, delete its registry records. Config and log files are removed
// best-effort.
func (s *Service) Drop(ctx context.Context, name string) error {
	records, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	matched := false
	for _, record := range records {
		if record.DatabaseName != name {
			continue
		}
		matched = true
		sup := s.supervisorFor(record.Kind)
		if sup == nil || record.ServiceRef == "" {
			continue
		}
		s.stopAndDeregister(ctx, sup, record.ServiceRef)
		if record.ConfigPath != "" {
			s.removeConfig(record.ConfigPath)
		}
	}
	if !matched {
		exists, err := s.dbadmin.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		// The database exists without a registry record: the best-effort
		// persist was lost. The service refs are derivable from the name, so
		// clean up on both supervisors anyway.
		for _, sup := range []supervisor.Supervisor{s.native, s.dockerup} {
			if sup == nil {
				continue
			}
			ref := supervisor.UnitName(name)
			if sup.Kind() == domain.KindDocker {
				ref = supervisor.ContainerName(name)
			}
			s.stopAndDeregister(ctx, sup, ref)
		}
		s.removeConfig(filepath.Join(s.opts.ConfigDir, name+".conf"))
	}
	if err := s.dbadmin.Drop(ctx, name); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return s.registry.Remove(ctx, name)
}

func (s *Service) stopAndDeregister(ctx context.Context, sup supervisor.Supervisor, ref string) {
	if err := sup.Stop(ctx, ref); err != nil && err != supervisor.ErrServiceNotFound {
		s.logger.Warn("stop during drop failed", "service", ref, "error", err)
	}
	if err := sup.Deregister(ctx, ref); err != nil && err != supervisor.ErrServiceNotFound {
		s.logger.Warn("deregister during drop failed", "service", ref, "error", err)
	}
}

func (s *Service) removeConfig(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("config removal during drop failed", "path", path, "error", err)
	}
}

func (s *Service) supervisorFor(kind domain.EnvironmentKind) supervisor.Supervisor {
	switch kind {
	case domain.KindNative:
		return s.native
	case domain.KindDocker:
		return s.dockerup
	}
	if s.native != nil {
		return s.native
	}
	return s.dockerup
}
