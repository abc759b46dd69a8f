// Package supervisor manages the long-running service hosting one environment,
// either as a systemd unit or a Docker container.
package supervisor

import (
	"context"
	"errors"

	"github.com/Yamkia/webnexagent/internal/domain"
)

// Status is the coarse service state. Unknown is a valid answer, not an
// error, when the underlying manager cannot be queried.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// ErrServiceNotFound indicates the service reference is not registered.
var ErrServiceNotFound = errors.New("supervisor: service not found")

// ErrDependencyUnavailable indicates a prerequisite (typically the database)
// could not be confirmed reachable within the bounded retry window.
var ErrDependencyUnavailable = errors.New("supervisor: dependency unavailable")

// ServiceSpec carries everything a variant needs to register and initialize
// one environment's service.
type ServiceSpec struct {
	Name          string
	DatabaseName  string
	Version       string
	Port          int
	ConfigPath    string
	LogPath       string
	SourceDir     string
	AddonsPath    string
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	AdminPassword string
}

// Supervisor is the capability set over one environment's service. Start and
// Stop are idempotent; TailLog re-reads a finite snapshot on every call.
type Supervisor interface {
	Register(ctx context.Context, spec ServiceSpec) (string, error)
	InstallModules(ctx context.Context, spec ServiceSpec, modules []string) error
	Start(ctx context.Context, serviceRef string) error
	Stop(ctx context.Context, serviceRef string) error
	Status(ctx context.Context, serviceRef string) (Status, error)
	TailLog(ctx context.Context, serviceRef string, maxLines int) ([]string, error)
	Deregister(ctx context.Context, serviceRef string) error
	Kind() domain.EnvironmentKind
}
