package domain

import (
	"fmt"
	"time"
)

// EnvironmentKind distinguishes host-managed from container-managed environments.
type EnvironmentKind string

const (
	KindNative EnvironmentKind = "native"
	KindDocker EnvironmentKind = "docker"
)

// EnvironmentRecord is one entry in the environment registry. The JSON field
// names match the env_history artifact consumed by external tooling; optional
// fields are omitted when absent and consumers must tolerate that.
type EnvironmentRecord struct {
	DatabaseName string          `json:"db_name"`
	Port         int             `json:"port"`
	OdooVersion  string          `json:"odoo_version"`
	URL          string          `json:"url"`
	CreatedAt    time.Time       `json:"created_at"`
	Kind         EnvironmentKind `json:"type,omitempty"`
	ServiceRef   string          `json:"service,omitempty"`
	ConfigPath   string          `json:"config,omitempty"`
	Modules      []string        `json:"modules,omitempty"`
}

// Key identifies a record within the registry.
func (r EnvironmentRecord) Key() string {
	return fmt.Sprintf("%s:%d", r.DatabaseName, r.Port)
}

// SameIdentity reports whether two records share the (db_name, port) key.
func (r EnvironmentRecord) SameIdentity(other EnvironmentRecord) bool {
	return r.DatabaseName == other.DatabaseName && r.Port == other.Port
}
