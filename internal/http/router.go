// Package httpx wires the daemon's HTTP API to the environment and job
// services.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
	"github.com/Yamkia/webnexagent/internal/service/auth"
	"github.com/Yamkia/webnexagent/internal/supervisor"
	"github.com/Yamkia/webnexagent/internal/ws"
)

// EnvironmentService is the router's surface over provisioned environments.
type EnvironmentService interface {
	Drop(ctx context.Context, name string) error
	TailLog(ctx context.Context, record domain.EnvironmentRecord, maxLines int) ([]string, error)
	Status(ctx context.Context, record domain.EnvironmentRecord) (supervisor.Status, error)
}

// JobService accepts provisioning requests and exposes job snapshots.
type JobService interface {
	Submit(ctx context.Context, req domain.ProvisionRequest) (domain.Job, error)
	Poll(ctx context.Context, jobID string) (domain.Job, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	envs     EnvironmentService
	jobs     JobService
	registry repository.RegistryStore
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	provisionRequests  *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitLogin     = 12
	rateLimitWrite     = 30
	rateLimitRead      = 120
	healthCheckTimeout = 2 * time.Second
	defaultLogLines    = 200
	streamPollInterval = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, envs EnvironmentService, jobSvc JobService, registry repository.RegistryStore, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		envs:     envs,
		jobs:     jobSvc,
		registry: registry,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, r.handleLogin)))
	r.mux.HandleFunc("/api/environments", r.audit("/api/environments", r.requireAuth(r.handleEnvironments)))
	r.mux.HandleFunc("/api/environments/", r.audit("/api/environments/{name}", r.requireAuth(r.handleEnvironmentSubroutes)))
	r.mux.HandleFunc("/api/jobs/", r.audit("/api/jobs/{id}", r.requireAuth(r.handleJobSubroutes)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, ttl, err := r.auth.Login(req.Context(), payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
	})
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("/api/environments", rateLimitWrite, rateWindowDefault, r.handleProvision)(w, req)
	case http.MethodGet:
		r.withRateLimit("/api/environments", rateLimitRead, rateWindowDefault, r.handleList)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request) {
	var payload domain.ProvisionRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	job, err := r.jobs.Submit(req.Context(), payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordProvisionRequest(payload.Kind)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	records, err := r.registry.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []domain.EnvironmentRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/environments/")
	parts := strings.Split(trimmed, "/")
	name := parts[0]
	if name == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		r.handleDrop(w, req, name)
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleEnvironmentLogs(w, req, name)
	case len(parts) == 2 && parts[1] == "status":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleEnvironmentStatus(w, req, name)
	default:
		r.notFound(w)
	}
}

// handleDrop delegates straight to the service: an environment may exist even
// when its best-effort registry persist was lost.
func (r *Router) handleDrop(w http.ResponseWriter, req *http.Request, name string) {
	if err := r.envs.Drop(req.Context(), name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "environment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

func (r *Router) handleEnvironmentLogs(w http.ResponseWriter, req *http.Request, name string) {
	record, ok := r.findRecord(w, req, name)
	if !ok {
		return
	}
	lines, _ := strconv.Atoi(req.URL.Query().Get("lines"))
	if lines <= 0 {
		lines = defaultLogLines
	}
	tail, err := r.envs.TailLog(req.Context(), record, lines)
	if err != nil {
		if errors.Is(err, supervisor.ErrServiceNotFound) {
			writeError(w, http.StatusNotFound, "service log not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"db_name": record.DatabaseName,
		"lines":   tail,
	})
}

func (r *Router) handleEnvironmentStatus(w http.ResponseWriter, req *http.Request, name string) {
	record, ok := r.findRecord(w, req, name)
	if !ok {
		return
	}
	status, err := r.envs.Status(req.Context(), record)
	if err != nil {
		if errors.Is(err, supervisor.ErrServiceNotFound) {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"db_name": record.DatabaseName,
		"status":  string(status),
		"url":     record.URL,
	})
}

// findRecord resolves the newest registry record for a database name. The
// registry is newest-first, so the first match wins.
func (r *Router) findRecord(w http.ResponseWriter, req *http.Request, name string) (domain.EnvironmentRecord, bool) {
	records, err := r.registry.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return domain.EnvironmentRecord{}, false
	}
	for _, record := range records {
		if record.DatabaseName == name {
			return record, true
		}
	}
	writeError(w, http.StatusNotFound, "environment not found")
	return domain.EnvironmentRecord{}, false
}

func (r *Router) handleJobSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/jobs/")
	parts := strings.Split(trimmed, "/")
	jobID := parts[0]
	if jobID == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleJobGet(w, req, jobID)
	case len(parts) == 2 && parts[1] == "stream":
		r.handleJobStream(w, req, jobID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleJobGet(w http.ResponseWriter, req *http.Request, jobID string) {
	job, err := r.jobs.Poll(req.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStream replays the job log so far and then follows live events,
// over a websocket when the client asks for an upgrade and SSE otherwise.
func (r *Router) handleJobStream(w http.ResponseWriter, req *http.Request, jobID string) {
	job, err := r.jobs.Poll(req.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		r.streamJobWS(w, req, job)
		return
	}
	r.streamJobSSE(w, req, job)
}

func (r *Router) streamJobWS(w http.ResponseWriter, req *http.Request, job domain.Job) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(job.ID, client)
	if current, perr := r.jobs.Poll(req.Context(), job.ID); perr == nil {
		job = current
	}
	if !r.replaySnapshot(client, job) || job.Status.Terminal() {
		r.hub.Unregister(job.ID, client)
		client.Close()
		return
	}
	go func() {
		defer func() {
			r.hub.Unregister(job.ID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
	go r.watchTerminal(job.ID, client)
}

func (r *Router) streamJobSSE(w http.ResponseWriter, req *http.Request, job domain.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	r.hub.Register(job.ID, client)
	defer r.hub.Unregister(job.ID, client)
	if current, perr := r.jobs.Poll(req.Context(), job.ID); perr == nil {
		job = current
	}
	if !r.replaySnapshot(client, job) {
		return
	}
	if job.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		case <-poll.C:
			current, err := r.jobs.Poll(req.Context(), job.ID)
			if err != nil || current.Status.Terminal() {
				return
			}
		}
	}
}

// replaySnapshot sends the job's log lines and status. The snapshot is taken
// after the client subscribed, so nothing is lost but live events may
// duplicate the tail; consumers key on job_id and treat lines as idempotent
// display data.
func (r *Router) replaySnapshot(client ws.Subscriber, job domain.Job) bool {
	for _, line := range job.Log {
		payload, err := json.Marshal(ws.Event{JobID: job.ID, Kind: "line", Line: line})
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return false
		}
	}
	payload, err := json.Marshal(ws.Event{
		JobID:  job.ID,
		Kind:   "status",
		Status: job.Status,
		URL:    job.URL,
		Error:  job.Error,
	})
	if err != nil {
		return true
	}
	return client.Send(payload) == nil
}

// watchTerminal disconnects a websocket subscriber once its job finishes, so
// clients that never send frames still observe the stream end.
func (r *Router) watchTerminal(jobID string, client *ws.Client) {
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		job, err := r.jobs.Poll(context.Background(), jobID)
		if err != nil {
			return
		}
		if job.Status.Terminal() {
			// Give the hub a moment to flush the terminal event.
			time.Sleep(streamPollInterval)
			r.hub.Unregister(jobID, client)
			client.Close()
			return
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Role
			fields = append(fields, "subject", info.Subject)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
