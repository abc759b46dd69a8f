// Package redisjobs implements the job store on Redis, for daemons that must
// survive restarts or share job state across replicas.
package redisjobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
)

const keyPrefix = "webnexagent:job:"

// Store keeps each job as a hash plus a list for its log lines. RPUSH append
// with LRANGE reads preserves the poll-sees-a-prefix guarantee. Terminal jobs
// expire after ttl so long-lived daemons do not accumulate them forever.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var _ repository.JobStore = (*Store)(nil)

// New connects to Redis and verifies reachability.
func New(addr, password string, db int, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, ttl: ttl}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func hashKey(jobID string) string { return keyPrefix + jobID }
func logKey(jobID string) string  { return keyPrefix + jobID + ":log" }

func (s *Store) Create(ctx context.Context, job domain.Job) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey(job.ID), map[string]any{
		"status":     string(job.Status),
		"url":        job.URL,
		"error":      job.Error,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	if len(job.Log) > 0 {
		lines := make([]any, len(job.Log))
		for i, line := range job.Log {
			lines[i] = line
		}
		pipe.RPush(ctx, logKey(job.ID), lines...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Start(ctx context.Context, jobID string) error {
	status, err := s.status(ctx, jobID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return repository.ErrTerminal
	}
	return s.client.HSet(ctx, hashKey(jobID), map[string]any{
		"status":     string(domain.JobRunning),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, hashKey(jobID)).Result()
	if err != nil {
		return domain.Job{}, err
	}
	if len(fields) == 0 {
		return domain.Job{}, repository.ErrNotFound
	}
	log, err := s.client.LRange(ctx, logKey(jobID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:     jobID,
		Status: domain.JobStatus(fields["status"]),
		URL:    fields["url"],
		Error:  fields["error"],
		Log:    log,
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		job.UpdatedAt = t
	}
	return job, nil
}

func (s *Store) AppendLog(ctx context.Context, jobID, line string) error {
	status, err := s.status(ctx, jobID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return repository.ErrTerminal
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, logKey(jobID), line)
	pipe.HSet(ctx, hashKey(jobID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Complete(ctx context.Context, jobID, url string) error {
	return s.finish(ctx, jobID, domain.JobCompleted, url, "")
}

func (s *Store) Fail(ctx context.Context, jobID, errMsg string) error {
	return s.finish(ctx, jobID, domain.JobFailed, "", errMsg)
}

func (s *Store) finish(ctx context.Context, jobID string, status domain.JobStatus, url, errMsg string) error {
	current, err := s.status(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return repository.ErrTerminal
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey(jobID), map[string]any{
		"status":     string(status),
		"url":        url,
		"error":      errMsg,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, hashKey(jobID), s.ttl)
		pipe.Expire(ctx, logKey(jobID), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) status(ctx context.Context, jobID string) (domain.JobStatus, error) {
	value, err := s.client.HGet(ctx, hashKey(jobID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.JobStatus(value), nil
}
