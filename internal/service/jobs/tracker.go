// Package jobs tracks asynchronous provisioning runs: one goroutine per
// accepted request, observable through polling and the stream hub.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
	"github.com/Yamkia/webnexagent/internal/ws"
)

// Provisioner executes one provisioning run, streaming progress lines to logf.
type Provisioner interface {
	Run(ctx context.Context, req domain.ProvisionRequest, logf func(string)) (domain.EnvironmentRecord, error)
}

// Publisher pushes job events to live subscribers.
type Publisher interface {
	Publish(ws.Event)
}

// Tracker owns the job lifecycle. Submissions return immediately; the run
// proceeds on a background goroutine detached from the request context.
type Tracker struct {
	store       repository.JobStore
	provisioner Provisioner
	hub         Publisher
	logger      *slog.Logger
	timeout     time.Duration
	wg          sync.WaitGroup
}

// New returns a Tracker. hub may be nil when streaming is disabled. timeout
// bounds a single run; zero means no bound.
func New(store repository.JobStore, provisioner Provisioner, hub Publisher, logger *slog.Logger, timeout time.Duration) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:       store,
		provisioner: provisioner,
		hub:         hub,
		logger:      logger,
		timeout:     timeout,
	}
}

// Submit records a pending job and launches its run. The returned job is the
// pending snapshot; callers poll or subscribe for progress.
func (t *Tracker) Submit(ctx context.Context, req domain.ProvisionRequest) (domain.Job, error) {
	now := time.Now().UTC()
	job := domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.JobPending,
		Log:       []string{"request accepted for environment " + req.Name},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.Create(ctx, job); err != nil {
		return domain.Job{}, err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.execute(job.ID, req)
	}()
	return job, nil
}

// Poll returns the current job snapshot. The log is always a prefix of any
// later snapshot; terminal snapshots never change.
func (t *Tracker) Poll(ctx context.Context, jobID string) (domain.Job, error) {
	return t.store.Get(ctx, jobID)
}

// Wait blocks until every in-flight run has finished. Used on shutdown.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) execute(jobID string, req domain.ProvisionRequest) {
	// Store writes use the base context so a terminal transition still lands
	// after the run context expires.
	ctx := context.Background()
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	if err := t.store.Start(ctx, jobID); err != nil {
		t.logger.Error("job start transition failed", "job_id", jobID, "error", err)
		return
	}
	t.publish(ws.Event{JobID: jobID, Kind: "status", Status: domain.JobRunning})

	logf := func(line string) {
		if err := t.store.AppendLog(ctx, jobID, line); err != nil {
			t.logger.Warn("job log append failed", "job_id", jobID, "error", err)
		}
		t.publish(ws.Event{JobID: jobID, Kind: "line", Line: line})
	}

	record, err := t.provisioner.Run(runCtx, req, logf)
	if err != nil {
		t.logger.Error("provisioning failed", "job_id", jobID, "name", req.Name, "error", err)
		if ferr := t.store.Fail(ctx, jobID, err.Error()); ferr != nil {
			t.logger.Error("job fail transition failed", "job_id", jobID, "error", ferr)
		}
		t.publish(ws.Event{JobID: jobID, Kind: "status", Status: domain.JobFailed, Error: err.Error()})
		return
	}

	t.logger.Info("provisioning completed", "job_id", jobID, "name", req.Name, "url", record.URL)
	if cerr := t.store.Complete(ctx, jobID, record.URL); cerr != nil {
		t.logger.Error("job complete transition failed", "job_id", jobID, "error", cerr)
	}
	t.publish(ws.Event{JobID: jobID, Kind: "status", Status: domain.JobCompleted, URL: record.URL})
}

func (t *Tracker) publish(event ws.Event) {
	if t.hub == nil {
		return
	}
	t.hub.Publish(event)
}
