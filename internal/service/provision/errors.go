package provision

import "errors"

// Step failure kinds. Each workflow step wraps its underlying error with the
// matching sentinel so callers can classify terminal failures.
var (
	ErrSourceFetch         = errors.New("source fetch failed")
	ErrDatabase            = errors.New("database step failed")
	ErrConfigWrite         = errors.New("config write failed")
	ErrServiceRegistration = errors.New("service registration failed")
	ErrInitialization      = errors.New("initialization failed")
	ErrStart               = errors.New("service start failed")
	ErrRegistryPersist     = errors.New("registry persist failed")
)

// ErrNoFreePort indicates the linear probe exhausted the configured range.
var ErrNoFreePort = errors.New("no free port in configured range")
