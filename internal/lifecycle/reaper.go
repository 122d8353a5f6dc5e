package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/store"
)

// TaskRemover lists and deletes the task executions of a pipeline.
type TaskRemover interface {
	ListByPipeline(ctx context.Context, pipelineID string) ([]store.TaskExecution, error)
	Delete(ctx context.Context, id string) error
}

// Reaper removes the task executions of deleted pipelines.
type Reaper struct {
	tasks  TaskRemover
	logger *slog.Logger
}

func NewReaper(tasks TaskRemover, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = log.WithComponent("reaper")
	}
	return &Reaper{tasks: tasks, logger: logger}
}

// Handle reacts to pipeline deletes. Other records are ignored.
func (r *Reaper) Handle(ctx context.Context, records []changefeed.Record) error {
	for _, rec := range records {
		if rec.Table != store.TablePipelines || rec.Kind() != changefeed.KindDelete {
			continue
		}
		var pipeline store.Pipeline
		if _, _, err := rec.DecodeImages(&pipeline, nil); err != nil {
			return err
		}
		if err := r.Reap(ctx, pipeline.PipelineID); err != nil {
			return err
		}
	}
	return nil
}

// Reap deletes every task execution of pipelineID. Rows already gone are fine.
func (r *Reaper) Reap(ctx context.Context, pipelineID string) error {
	tasks, err := r.tasks.ListByPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list task executions of %s: %w", pipelineID, err)
	}
	for _, te := range tasks {
		if err := r.tasks.Delete(ctx, te.TaskExecutionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete task execution %s: %w", te.TaskExecutionID, err)
		}
	}
	r.logger.Info("pipeline task executions removed", "pipeline_id", pipelineID, "count", len(tasks))
	return nil
}
