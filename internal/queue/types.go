package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether a job in this status will not run again.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Job is one queued run of an automation for a task execution.
type Job struct {
	ID              string
	TaskExecutionID string
	TaskReference   string
	Payload         json.RawMessage
	Status          Status
	Attempt         int
	SubmittedBy     string
	DedupeKey       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastError       *string
}

type EnqueueRequest struct {
	TaskExecutionID string
	TaskReference   string
	Payload         json.RawMessage
	SubmittedBy     string
	// DedupeKey collapses repeated enqueues of the same execution attempt.
	DedupeKey string
}

var ErrJobNotFound = errors.New("job not found")
