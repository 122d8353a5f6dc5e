package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only request envelope version automations receive.
const Version = 1

// Markers written as the second bracket token of a tagged line.
const (
	MarkerInProgress      = "IN_PROGRESS"
	MarkerComplete        = "JOB_COMPLETE"
	MarkerFailed          = "JOB_FAILED"
	MarkerPendingApproval = "PENDING_APPROVAL"
)

// Request is the JSON envelope written to an automation's stdin.
type Request struct {
	Protocol        int             `json:"protocol"`
	JobID           string          `json:"job_id"`
	TaskExecutionID string          `json:"task_execution_id"`
	PipelineID      string          `json:"pipeline_id"`
	TaskReference   string          `json:"task_reference"`
	TaskVersion     string          `json:"task_version,omitempty"`
	Inputs          json.RawMessage `json:"inputs"`
	Attempt         int             `json:"attempt"`
	DeadlineAt      time.Time       `json:"deadline_at"`
}
