package repository

import (
	"context"

	"github.com/Yamkia/webnexagent/internal/domain"
)

// RegistryStore persists provisioned environment records, newest insertion
// first. Upsert removes any record sharing (db_name, port) before prepending
// the replacement and returns the resulting list.
type RegistryStore interface {
	Upsert(ctx context.Context, record domain.EnvironmentRecord) ([]domain.EnvironmentRecord, error)
	List(ctx context.Context) ([]domain.EnvironmentRecord, error)
	Remove(ctx context.Context, databaseName string) error
}

// JobStore persists asynchronous job state. Implementations must keep the log
// append-only and never mutate a job after it reaches a terminal status.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Start(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (domain.Job, error)
	AppendLog(ctx context.Context, jobID, line string) error
	Complete(ctx context.Context, jobID, url string) error
	Fail(ctx context.Context, jobID, errMsg string) error
}
