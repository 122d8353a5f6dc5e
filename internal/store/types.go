package store

import (
	"errors"
	"time"
)

// Table names as they appear in change-feed records.
const (
	TablePipelines      = "pipelines"
	TableTaskExecutions = "task_executions"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a rejected conditional write: the stored version or
	// status no longer matches what the caller read.
	ErrConflict = errors.New("conditional write rejected")
	// ErrIDCollision reports a task execution id already taken by another
	// pipeline. "{pipeline}-{task}" is ambiguous when either part has a hyphen.
	ErrIDCollision = errors.New("task execution id belongs to another pipeline")
)

// History is the audit block carried on pipelines and task executions.
type History struct {
	CreatedTimestamp      string `json:"createdTimestamp,omitempty"`
	LastModifiedTimestamp string `json:"lastModifiedTimestamp,omitempty"`
	LastModifiedBy        string `json:"lastModifiedBy,omitempty"`
	OutcomeDate           string `json:"outcomeDate,omitempty"`
}

// Template is an imported DAG blueprint.
type Template struct {
	TemplateID  string         `json:"template_id" yaml:"template_id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Digest      string         `json:"digest,omitempty" yaml:"-"`
	ImportedAt  time.Time      `json:"imported_at,omitempty" yaml:"-"`
	Tasks       []TemplateTask `json:"tasks,omitempty" yaml:"tasks"`
}

// TemplateTask is one node of a template DAG.
type TemplateTask struct {
	TemplateTaskID string   `json:"template_task_id" yaml:"template_task_id"`
	TemplateID     string   `json:"template_id" yaml:"-"`
	TaskName       string   `json:"task_name" yaml:"task_name"`
	TaskReference  string   `json:"task_reference" yaml:"task_reference"`
	TaskVersion    string   `json:"task_version,omitempty" yaml:"task_version"`
	SuccessorIDs   []string `json:"successor_ids" yaml:"successor_ids"`
}

// NotificationSettings are stored on the pipeline for e-mail delivery, which
// happens outside this engine.
type NotificationSettings struct {
	TaskLevelEmailSettings []map[string]any `json:"task_level_email_settings,omitempty"`
	DefaultEmailRecipients []string         `json:"default_email_recipients,omitempty"`
}

// Pipeline is one instantiated run of a template.
type Pipeline struct {
	PipelineID    string               `json:"pipeline_id"`
	TemplateID    string               `json:"template_id"`
	Name          string               `json:"pipeline_name,omitempty"`
	Status        PipelineStatus       `json:"status"`
	CurrentTaskID string               `json:"current_task_id,omitempty"`
	Inputs        map[string]any       `json:"task_execution_inputs,omitempty"`
	Notifications NotificationSettings `json:"notifications"`
	History       History              `json:"_history"`
	Version       int64                `json:"version"`
}

// TaskExecution is one task instance within one pipeline run.
type TaskExecution struct {
	TaskExecutionID   string         `json:"task_execution_id"`
	PipelineID        string         `json:"pipeline_id"`
	TaskID            string         `json:"task_id"`
	TaskReference     string         `json:"task_reference"`
	TaskVersion       string         `json:"task_version,omitempty"`
	Name              string         `json:"task_execution_name"`
	Status            TaskStatus     `json:"status"`
	Successors        []string       `json:"successors"`
	Output            string         `json:"output"`
	OutputLastMessage string         `json:"outputLastMessage"`
	Inputs            map[string]any `json:"task_execution_inputs,omitempty"`
	History           History        `json:"_history"`
	Version           int64          `json:"version"`
}

// ExecutionID derives the pipeline-scoped id of a template task.
func ExecutionID(pipelineID, templateTaskID string) string {
	return pipelineID + "-" + templateTaskID
}

// Connection is one live client subscription.
type Connection struct {
	ConnectionID       string    `json:"connection_id"`
	EstablishedAt      time.Time `json:"established_at"`
	SubscriberIdentity string    `json:"subscriber_identity,omitempty"`
	Topics             []string  `json:"topics,omitempty"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
