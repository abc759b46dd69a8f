package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
	"github.com/Yamkia/webnexagent/internal/repository/memory"
	"github.com/Yamkia/webnexagent/internal/service/auth"
	"github.com/Yamkia/webnexagent/internal/supervisor"
	"github.com/Yamkia/webnexagent/internal/ws"
	"github.com/Yamkia/webnexagent/pkg/crypto"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type envServiceStub struct {
	dropped   []string
	dropErr   error
	tail      []string
	tailErr   error
	status    supervisor.Status
	statusErr error
}

func (s *envServiceStub) Drop(_ context.Context, name string) error {
	s.dropped = append(s.dropped, name)
	return s.dropErr
}

func (s *envServiceStub) TailLog(context.Context, domain.EnvironmentRecord, int) ([]string, error) {
	return s.tail, s.tailErr
}

func (s *envServiceStub) Status(context.Context, domain.EnvironmentRecord) (supervisor.Status, error) {
	return s.status, s.statusErr
}

type jobServiceStub struct {
	submitted []domain.ProvisionRequest
	job       domain.Job
	sequence  []domain.Job
	pollErr   error
}

func (s *jobServiceStub) Submit(_ context.Context, req domain.ProvisionRequest) (domain.Job, error) {
	s.submitted = append(s.submitted, req)
	return domain.Job{ID: "job-1", Status: domain.JobPending}, nil
}

func (s *jobServiceStub) Poll(context.Context, string) (domain.Job, error) {
	if s.pollErr != nil {
		return domain.Job{}, s.pollErr
	}
	if len(s.sequence) > 0 {
		job := s.sequence[0]
		if len(s.sequence) > 1 {
			s.sequence = s.sequence[1:]
		}
		return job, nil
	}
	return s.job, nil
}

func newTestRouter(t *testing.T, envs EnvironmentService, jobSvc JobService, registry repository.RegistryStore, authSvc auth.Service) *Router {
	t.Helper()
	if registry == nil {
		registry = memory.NewRegistry()
	}
	router := NewRouter(newLogger(), authSvc, envs, jobSvc, registry, ws.NewHub(), NewMemoryRateLimiter(), nil)
	t.Cleanup(router.Close)
	return router
}

func openAuth() auth.Service {
	return auth.New("test-secret", "", time.Minute, newLogger())
}

func TestProvisionAccepted(t *testing.T) {
	jobSvc := &jobServiceStub{}
	router := newTestRouter(t, &envServiceStub{}, jobSvc, nil, openAuth())

	body := bytes.NewBufferString(`{"name":"acme","version":"19.0","modules":["sale"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/environments", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["job_id"] != "job-1" {
		t.Fatalf("job_id = %q", payload["job_id"])
	}
	if payload["status"] != "pending" {
		t.Fatalf("status = %q", payload["status"])
	}
	if len(jobSvc.submitted) != 1 || jobSvc.submitted[0].Name != "acme" {
		t.Fatalf("submitted = %+v", jobSvc.submitted)
	}
}

func TestProvisionRejectsMissingName(t *testing.T) {
	jobSvc := &jobServiceStub{}
	router := newTestRouter(t, &envServiceStub{}, jobSvc, nil, openAuth())

	req := httptest.NewRequest(http.MethodPost, "/api/environments", strings.NewReader(`{"version":"19.0"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(jobSvc.submitted) != 0 {
		t.Fatalf("request should not reach the job service")
	}
}

func TestListEnvironments(t *testing.T) {
	registry := memory.NewRegistry()
	if _, err := registry.Upsert(context.Background(), domain.EnvironmentRecord{
		DatabaseName: "acme", Port: 8100, OdooVersion: "19.0", URL: "http://localhost:8100",
	}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	router := newTestRouter(t, &envServiceStub{}, &jobServiceStub{}, registry, openAuth())

	req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var records []domain.EnvironmentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 || records[0].DatabaseName != "acme" {
		t.Fatalf("records = %+v", records)
	}
}

func TestJobGetNotFound(t *testing.T) {
	jobSvc := &jobServiceStub{pollErr: repository.ErrNotFound}
	router := newTestRouter(t, &envServiceStub{}, jobSvc, nil, openAuth())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestJobGetReturnsSnapshot(t *testing.T) {
	jobSvc := &jobServiceStub{job: domain.Job{
		ID:     "job-1",
		Status: domain.JobCompleted,
		Log:    []string{"line one", "line two"},
		URL:    "http://localhost:8100",
	}}
	router := newTestRouter(t, &envServiceStub{}, jobSvc, nil, openAuth())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Status != domain.JobCompleted || len(job.Log) != 2 {
		t.Fatalf("job = %+v", job)
	}
}

func TestDropUnknownEnvironment(t *testing.T) {
	envs := &envServiceStub{dropErr: repository.ErrNotFound}
	router := newTestRouter(t, envs, &jobServiceStub{}, nil, openAuth())

	req := httptest.NewRequest(http.MethodDelete, "/api/environments/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDropWithoutRegistryRecord(t *testing.T) {
	envs := &envServiceStub{}
	router := newTestRouter(t, envs, &jobServiceStub{}, memory.NewRegistry(), openAuth())

	req := httptest.NewRequest(http.MethodDelete, "/api/environments/acme", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(envs.dropped) != 1 || envs.dropped[0] != "acme" {
		t.Fatalf("dropped = %v", envs.dropped)
	}
}

func TestDropKnownEnvironment(t *testing.T) {
	registry := memory.NewRegistry()
	_, _ = registry.Upsert(context.Background(), domain.EnvironmentRecord{DatabaseName: "acme", Port: 8100})
	envs := &envServiceStub{}
	router := newTestRouter(t, envs, &jobServiceStub{}, registry, openAuth())

	req := httptest.NewRequest(http.MethodDelete, "/api/environments/acme", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(envs.dropped) != 1 || envs.dropped[0] != "acme" {
		t.Fatalf("dropped = %v", envs.dropped)
	}
}

func TestEnvironmentLogs(t *testing.T) {
	registry := memory.NewRegistry()
	_, _ = registry.Upsert(context.Background(), domain.EnvironmentRecord{DatabaseName: "acme", Port: 8100})
	envs := &envServiceStub{tail: []string{"a", "b"}}
	router := newTestRouter(t, envs, &jobServiceStub{}, registry, openAuth())

	req := httptest.NewRequest(http.MethodGet, "/api/environments/acme/logs?lines=50", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		DBName string   `json:"db_name"`
		Lines  []string `json:"lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.DBName != "acme" || len(payload.Lines) != 2 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	hash, err := crypto.HashPassword("Sup3rSecret!")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	authSvc := auth.New("test-secret", string(hash), time.Minute, newLogger())
	router := newTestRouter(t, &envServiceStub{}, &jobServiceStub{}, nil, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	login := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"password":"Sup3rSecret!"}`))
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, login)
	if loginRec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", loginRec.Code, loginRec.Body.String())
	}
	var tokens struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(loginRec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	authed := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	authed.Header.Set("Authorization", "Bearer "+tokens.Token)
	authedRec := httptest.NewRecorder()
	router.ServeHTTP(authedRec, authed)
	if authedRec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", authedRec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	hash, _ := crypto.HashPassword("Sup3rSecret!")
	authSvc := auth.New("test-secret", string(hash), time.Minute, newLogger())
	router := newTestRouter(t, &envServiceStub{}, &jobServiceStub{}, nil, authSvc)

	var last int
	for i := 0; i < rateLimitLogin+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"password":"wrong"}`))
		req.RemoteAddr = "10.1.2.3:4567"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("final status = %d, want 429", last)
	}
}

func TestJobStreamSSEReplaysTerminalJob(t *testing.T) {
	jobSvc := &jobServiceStub{job: domain.Job{
		ID:     "job-1",
		Status: domain.JobCompleted,
		Log:    []string{"created database acme"},
		URL:    "http://localhost:8100",
	}}
	router := newTestRouter(t, &envServiceStub{}, jobSvc, nil, openAuth())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "created database acme") {
		t.Fatalf("stream missing replayed line:\n%s", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("stream missing terminal status:\n%s", body)
	}
}

func TestJobStreamSSEIncludesLinesAppendedBeforeSubscribe(t *testing.T) {
	jobSvc := &jobServiceStub{sequence: []domain.Job{
		{ID: "job-1", Status: domain.JobRunning, Log: []string{"request accepted"}},
		{
			ID:     "job-1",
			Status: domain.JobCompleted,
			Log:    []string{"request accepted", "created database acme"},
			URL:    "http://localhost:8100",
		},
	}}
	router := newTestRouter(t, &envServiceStub{}, jobSvc, nil, openAuth())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "created database acme") {
		t.Fatalf("stream missing line appended before subscription:\n%s", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("stream missing terminal status:\n%s", body)
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	router := NewRouter(newLogger(), openAuth(), &envServiceStub{}, &jobServiceStub{}, memory.NewRegistry(), ws.NewHub(), NewMemoryRateLimiter(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
