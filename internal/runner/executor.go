package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/protocol"
	"github.com/mattjoyce/migration-factory/internal/queue"
	"github.com/mattjoyce/migration-factory/internal/store"
)

// Enqueuer is the queue write the executor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, bool, error)
}

// Executor records started task executions as automation jobs.
type Executor struct {
	queue  Enqueuer
	logger *slog.Logger
}

func NewExecutor(q Enqueuer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = log.WithComponent("executor")
	}
	return &Executor{queue: q, logger: logger}
}

// DedupeKey identifies one start of a task execution. Every start is its own
// CAS write, so the version differs between a first run and a retry.
func DedupeKey(te store.TaskExecution) string {
	return fmt.Sprintf("%s:%d", te.TaskExecutionID, te.Version)
}

// Dispatch enqueues te. Enqueuing the same start twice is a no-op.
func (e *Executor) Dispatch(ctx context.Context, te store.TaskExecution) error {
	inputs := te.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	rawInputs, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs for %s: %w", te.TaskExecutionID, err)
	}
	payload, err := json.Marshal(protocol.Request{
		Protocol:        protocol.Version,
		TaskExecutionID: te.TaskExecutionID,
		PipelineID:      te.PipelineID,
		TaskReference:   te.TaskReference,
		TaskVersion:     te.TaskVersion,
		Inputs:          rawInputs,
	})
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", te.TaskExecutionID, err)
	}

	id, created, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskExecutionID: te.TaskExecutionID,
		TaskReference:   te.TaskReference,
		Payload:         payload,
		SubmittedBy:     "orchestrator",
		DedupeKey:       DedupeKey(te),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", te.TaskExecutionID, err)
	}
	if !created {
		e.logger.Debug("automation job already queued", "job_id", id, "task_execution_id", te.TaskExecutionID)
		return nil
	}
	e.logger.Info("automation job queued", "job_id", id, "task_execution_id", te.TaskExecutionID, "task_reference", te.TaskReference)
	return nil
}
