package domain

import "time"

// JobStatus enumerates the lifecycle of an asynchronous provisioning run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job represents one in-flight or completed provisioning run. Log is
// append-only; URL is set only on completion, Error only on failure.
type Job struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Log       []string  `json:"log"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProvisionRequest is the provisioning request surface. Name is mandatory;
// every other field has a documented default.
type ProvisionRequest struct {
	Name          string   `json:"name"`
	Version       string   `json:"version,omitempty"`
	HTTPPort      int      `json:"http_port,omitempty"`
	Modules       []string `json:"modules,omitempty"`
	WebsiteDesign string   `json:"website_design,omitempty"`
	AdminPassword string   `json:"admin_password,omitempty"`
	Kind          string   `json:"type,omitempty"`
}
