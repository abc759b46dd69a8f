// Package memory provides in-process store implementations. The job store is
// the daemon's default backend; the registry store exists for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
)

// RegistryStore keeps environment records in memory, newest insertion first.
type RegistryStore struct {
	mu      sync.Mutex
	records []domain.EnvironmentRecord
}

var _ repository.RegistryStore = (*RegistryStore)(nil)

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *RegistryStore {
	return &RegistryStore{}
}

func (s *RegistryStore) Upsert(ctx context.Context, record domain.EnvironmentRecord) ([]domain.EnvironmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]domain.EnvironmentRecord, 0, len(s.records)+1)
	kept = append(kept, record)
	for _, existing := range s.records {
		if existing.SameIdentity(record) {
			continue
		}
		kept = append(kept, existing)
	}
	s.records = kept
	return s.snapshot(), nil
}

func (s *RegistryStore) List(ctx context.Context) ([]domain.EnvironmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (s *RegistryStore) Remove(ctx context.Context, databaseName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, existing := range s.records {
		if existing.DatabaseName == databaseName {
			continue
		}
		kept = append(kept, existing)
	}
	s.records = kept
	return nil
}

func (s *RegistryStore) snapshot() []domain.EnvironmentRecord {
	out := make([]domain.EnvironmentRecord, len(s.records))
	copy(out, s.records)
	return out
}

// JobStore keeps jobs in a process-wide map. Terminal jobs are retained until
// the process exits.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

var _ repository.JobStore = (*JobStore)(nil)

// NewJobs returns an empty in-memory job store.
func NewJobs() *JobStore {
	return &JobStore{jobs: make(map[string]*domain.Job)}
}

func (s *JobStore) Create(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := job
	stored.Log = append([]string(nil), job.Log...)
	s.jobs[job.ID] = &stored
	return nil
}

func (s *JobStore) Start(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrTerminal
	}
	job.Status = domain.JobRunning
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, repository.ErrNotFound
	}
	out := *job
	out.Log = append([]string(nil), job.Log...)
	return out, nil
}

func (s *JobStore) AppendLog(ctx context.Context, jobID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrTerminal
	}
	job.Log = append(job.Log, line)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) Complete(ctx context.Context, jobID, url string) error {
	return s.finish(jobID, domain.JobCompleted, url, "")
}

func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string) error {
	return s.finish(jobID, domain.JobFailed, "", errMsg)
}

func (s *JobStore) finish(jobID string, status domain.JobStatus, url, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrTerminal
	}
	job.Status = status
	job.URL = url
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	return nil
}
