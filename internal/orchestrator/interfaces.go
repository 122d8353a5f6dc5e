package orchestrator

import (
	"context"

	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/store"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/migration-factory/internal/orchestrator Executor

// Executor hands a started task execution to its automation.
type Executor interface {
	Dispatch(ctx context.Context, te store.TaskExecution) error
}

// TaskStore is the task execution access the orchestrator needs.
type TaskStore interface {
	Get(ctx context.Context, id string) (*store.TaskExecution, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]store.TaskExecution, error)
	Update(ctx context.Context, te store.TaskExecution) (*store.TaskExecution, error)
}

// PipelineStore is the pipeline access the orchestrator needs.
type PipelineStore interface {
	Get(ctx context.Context, id string) (*store.Pipeline, error)
	Update(ctx context.Context, p store.Pipeline) (*store.Pipeline, error)
}

// Notifier publishes status notifications.
type Notifier interface {
	Publish(ctx context.Context, detailType string, n notify.Notification) error
}
