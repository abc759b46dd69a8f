// Package client provides typed access to the webnexagent API for
// interactive tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one daemon instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:5001"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Login exchanges the operator password for a bearer token.
func (c *Client) Login(ctx context.Context, password string) (LoginResponse, error) {
	body := map[string]string{"password": password}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// ProvisionInput captures the payload for environment creation.
type ProvisionInput struct {
	Name          string   `json:"name"`
	Version       string   `json:"version,omitempty"`
	HTTPPort      int      `json:"http_port,omitempty"`
	Modules       []string `json:"modules,omitempty"`
	WebsiteDesign string   `json:"website_design,omitempty"`
	AdminPassword string   `json:"admin_password,omitempty"`
	Kind          string   `json:"type,omitempty"`
}

// ProvisionAccepted acknowledges an asynchronous provisioning request.
type ProvisionAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Provision submits an environment request and returns the tracking job ID.
func (c *Client) Provision(ctx context.Context, token string, input ProvisionInput) (ProvisionAccepted, error) {
	var resp ProvisionAccepted
	if err := c.do(ctx, http.MethodPost, "/api/environments", input, token, &resp); err != nil {
		return ProvisionAccepted{}, err
	}
	return resp, nil
}

// Job mirrors the API job snapshot.
type Job struct {
	ID        string    `json:"job_id"`
	Status    string    `json:"status"`
	Log       []string  `json:"log"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job admits no further transitions.
func (j Job) Terminal() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// GetJob fetches the current job snapshot.
func (c *Client) GetJob(ctx context.Context, token, jobID string) (Job, error) {
	path := fmt.Sprintf("/api/jobs/%s", url.PathEscape(jobID))
	var job Job
	if err := c.do(ctx, http.MethodGet, path, nil, token, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Environment mirrors one registry record.
type Environment struct {
	DatabaseName string    `json:"db_name"`
	Port         int       `json:"port"`
	OdooVersion  string    `json:"odoo_version"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
	Kind         string    `json:"type,omitempty"`
	ServiceRef   string    `json:"service,omitempty"`
	ConfigPath   string    `json:"config,omitempty"`
	Modules      []string  `json:"modules,omitempty"`
}

// ListEnvironments returns every registered environment, newest first.
func (c *Client) ListEnvironments(ctx context.Context, token string) ([]Environment, error) {
	var envs []Environment
	if err := c.do(ctx, http.MethodGet, "/api/environments", nil, token, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// DropEnvironment tears an environment down and deletes its records.
func (c *Client) DropEnvironment(ctx context.Context, token, name string) error {
	path := fmt.Sprintf("/api/environments/%s", url.PathEscape(name))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// LogsResponse carries a log snapshot for one environment.
type LogsResponse struct {
	DatabaseName string   `json:"db_name"`
	Lines        []string `json:"lines"`
}

// EnvironmentLogs fetches the newest service log lines.
func (c *Client) EnvironmentLogs(ctx context.Context, token, name string, lines int) (LogsResponse, error) {
	query := ""
	if lines > 0 {
		query = fmt.Sprintf("?lines=%d", lines)
	}
	path := fmt.Sprintf("/api/environments/%s/logs%s", url.PathEscape(name), query)
	var resp LogsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return LogsResponse{}, err
	}
	return resp, nil
}

// StatusResponse carries the service state for one environment.
type StatusResponse struct {
	DatabaseName string `json:"db_name"`
	Status       string `json:"status"`
	URL          string `json:"url"`
}

// EnvironmentStatus queries the service state.
func (c *Client) EnvironmentStatus(ctx context.Context, token, name string) (StatusResponse, error) {
	path := fmt.Sprintf("/api/environments/%s/status", url.PathEscape(name))
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}
