package api

import (
	"github.com/mattjoyce/migration-factory/internal/queue"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/template"
)

// CreatePipelineRequest is the JSON body for POST /v1/pipelines. An empty
// pipeline_id is generated.
type CreatePipelineRequest struct {
	PipelineID    string                     `json:"pipeline_id,omitempty"`
	TemplateID    string                     `json:"template_id"`
	Name          string                     `json:"pipeline_name,omitempty"`
	Inputs        map[string]any             `json:"task_execution_inputs,omitempty"`
	Notifications store.NotificationSettings `json:"notifications"`
}

// PipelineResponse is a pipeline with its task executions.
type PipelineResponse struct {
	store.Pipeline
	Tasks []store.TaskExecution `json:"tasks"`
}

// SetStatusRequest is the JSON body for POST /v1/task-executions/{id}/status.
type SetStatusRequest struct {
	Status store.TaskStatus `json:"status"`
	// ExpectedVersion, when set, must match the stored version.
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	ModifiedBy      string `json:"modified_by,omitempty"`
}

// LogLinesRequest is the plain JSON form accepted by POST /v1/logs.
type LogLinesRequest struct {
	Lines []string `json:"lines"`
}

// IngestResponse is returned by POST /v1/logs.
type IngestResponse struct {
	Applied int `json:"applied"`
}

// ImportResponse is returned by POST /v1/templates.
type ImportResponse struct {
	template.Report
}

// JobResponse is one automation job of a task execution.
type JobResponse struct {
	JobID       string       `json:"job_id"`
	Status      queue.Status `json:"status"`
	Attempt     int          `json:"attempt"`
	LastError   *string      `json:"last_error,omitempty"`
	CreatedAt   string       `json:"created_at"`
	StartedAt   *string      `json:"started_at,omitempty"`
	CompletedAt *string      `json:"completed_at,omitempty"`
}

// AcceptedResponse acknowledges an asynchronous request.
type AcceptedResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Connections   int    `json:"connections"`
}
