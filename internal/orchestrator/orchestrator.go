package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/telemetry"
)

const (
	modifiedBy = "orchestrator"
	// casAttempts bounds re-reads when an unrelated writer bumps a row
	// between our read and write.
	casAttempts = 3
)

// Orchestrator advances pipelines in response to change records.
type Orchestrator struct {
	tasks     TaskStore
	pipelines PipelineStore
	executor  Executor
	notifier  Notifier
	join      JoinBarrier
	logger    *slog.Logger
}

func New(tasks TaskStore, pipelines PipelineStore, executor Executor, notifier Notifier, join JoinBarrier, logger *slog.Logger) *Orchestrator {
	if join == nil {
		join = JoinAny{}
	}
	if logger == nil {
		logger = log.WithComponent("orchestrator")
	}
	return &Orchestrator{
		tasks:     tasks,
		pipelines: pipelines,
		executor:  executor,
		notifier:  notifier,
		join:      join,
		logger:    logger,
	}
}

// Handle processes a batch in order. The first error aborts the batch so the
// poller redelivers it; every reaction is guarded so replays are no-ops.
func (o *Orchestrator) Handle(ctx context.Context, records []changefeed.Record) error {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.handle", telemetry.Int("records", len(records)))
	defer span.End()

	for _, rec := range records {
		if rec.Kind() != changefeed.KindUpdate {
			continue
		}
		var err error
		switch rec.Table {
		case store.TablePipelines:
			err = o.onPipeline(ctx, rec)
		case store.TableTaskExecutions:
			err = o.onTask(ctx, rec)
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("record seq=%d: %w", rec.Seq, err)
		}
	}
	return nil
}

func (o *Orchestrator) onPipeline(ctx context.Context, rec changefeed.Record) error {
	var before, after store.Pipeline
	if _, _, err := rec.DecodeImages(&before, &after); err != nil {
		return err
	}
	if before.Status == after.Status {
		return nil
	}
	o.announcePipeline(ctx, after)

	if before.Status == store.PipelineProvisioning && after.Status == store.PipelineNotStarted {
		return o.StartPipeline(ctx, after.PipelineID)
	}
	return nil
}

func (o *Orchestrator) onTask(ctx context.Context, rec changefeed.Record) error {
	var before, after store.TaskExecution
	if _, _, err := rec.DecodeImages(&before, &after); err != nil {
		return err
	}
	if before.Status == after.Status {
		return nil
	}

	switch after.Status {
	case store.TaskComplete, store.TaskSkip:
		if after.Status == store.TaskSkip {
			o.announceTask(ctx, notify.TaskPending, after, "skipped")
		}
		return o.advance(ctx, after)
	case store.TaskFailed:
		return o.failPipeline(ctx, after)
	case store.TaskRetry:
		o.announceTask(ctx, notify.TaskPending, after, "retry requested")
		return o.retry(ctx, after)
	case store.TaskPendingApproval:
		o.announceTask(ctx, notify.TaskManualApprovalNeeded, after, "waiting for approval")
	}
	return nil
}

// StartPipeline starts every entry task of the pipeline, then marks the
// pipeline In Progress.
func (o *Orchestrator) StartPipeline(ctx context.Context, pipelineID string) error {
	tasks, err := o.tasks.ListByPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list task executions of %s: %w", pipelineID, err)
	}
	entries := EntryTasks(tasks)
	if len(entries) == 0 {
		o.logger.Warn("pipeline has no entry tasks", "pipeline_id", pipelineID, "tasks", len(tasks))
		return nil
	}

	current := ""
	for _, te := range entries {
		started, err := o.start(ctx, te.TaskExecutionID)
		if err != nil {
			return err
		}
		if started {
			current = te.TaskExecutionID
		}
	}

	return o.updatePipeline(ctx, pipelineID, func(p *store.Pipeline) bool {
		if p.Status != store.PipelineNotStarted {
			return false
		}
		p.Status = store.PipelineInProgress
		if current != "" {
			p.CurrentTaskID = current
		}
		return true
	})
}

// advance starts the successors released by done, then checks completion.
// In a diamond the shared successor may already be finished through the
// other branch, so completion is checked whatever was started.
func (o *Orchestrator) advance(ctx context.Context, done store.TaskExecution) error {
	if len(done.Successors) > 0 {
		if err := o.startSuccessors(ctx, done); err != nil {
			return err
		}
	}
	return o.maybeComplete(ctx, done.PipelineID)
}

func (o *Orchestrator) startSuccessors(ctx context.Context, done store.TaskExecution) error {
	tasks, err := o.tasks.ListByPipeline(ctx, done.PipelineID)
	if err != nil {
		return fmt.Errorf("list task executions of %s: %w", done.PipelineID, err)
	}
	for _, id := range done.Successors {
		if !o.join.Ready(id, tasks) {
			o.logger.Debug("successor waiting on other predecessors", "task_execution_id", id)
			continue
		}
		started, err := o.start(ctx, id)
		if err != nil {
			return err
		}
		if started {
			if err := o.setCurrentTask(ctx, done.PipelineID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeComplete marks the pipeline Complete when every task is Complete or
// Skip.
func (o *Orchestrator) maybeComplete(ctx context.Context, pipelineID string) error {
	tasks, err := o.tasks.ListByPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("list task executions of %s: %w", pipelineID, err)
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, te := range tasks {
		if !te.Status.IsOK() {
			return nil
		}
	}
	return o.updatePipeline(ctx, pipelineID, func(p *store.Pipeline) bool {
		if !p.Status.CanTransition(store.PipelineComplete) {
			return false
		}
		p.Status = store.PipelineComplete
		return true
	})
}

func (o *Orchestrator) failPipeline(ctx context.Context, failed store.TaskExecution) error {
	return o.updatePipeline(ctx, failed.PipelineID, func(p *store.Pipeline) bool {
		if !p.Status.CanTransition(store.PipelineFailed) {
			return false
		}
		p.Status = store.PipelineFailed
		p.CurrentTaskID = failed.TaskExecutionID
		return true
	})
}

func (o *Orchestrator) retry(ctx context.Context, te store.TaskExecution) error {
	started, err := o.start(ctx, te.TaskExecutionID)
	if err != nil || !started {
		return err
	}
	return o.updatePipeline(ctx, te.PipelineID, func(p *store.Pipeline) bool {
		p.CurrentTaskID = te.TaskExecutionID
		if p.Status.IsTerminal() {
			p.Status = store.PipelineInProgress
		}
		return true
	})
}

// start moves a startable task execution to In Progress and dispatches it.
// It reports false when the row is gone or no longer startable. A failed
// dispatch restores the previous status and returns the error.
func (o *Orchestrator) start(ctx context.Context, id string) (bool, error) {
	logger := o.logger.With("task_execution_id", id)

	for attempt := 0; attempt < casAttempts; attempt++ {
		te, err := o.tasks.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("task execution not found, not starting")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read task execution %s: %w", id, err)
		}
		if !te.Status.Startable() {
			logger.Debug("task execution already started", "status", te.Status)
			return false, nil
		}

		prev := te.Status
		next := *te
		next.Status = store.TaskInProgress
		next.History.LastModifiedBy = modifiedBy
		written, err := o.tasks.Update(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("start task execution %s: %w", id, err)
		}

		if err := o.executor.Dispatch(ctx, *written); err != nil {
			o.rollback(ctx, *written, prev)
			return false, fmt.Errorf("dispatch %s: %w", id, err)
		}
		logger.Info("task execution started", "task_reference", written.TaskReference, "from", prev)
		o.announceTask(ctx, notify.TaskPending, *written, "started")
		return true, nil
	}

	logger.Warn("gave up starting task execution after repeated conflicts")
	return false, nil
}

func (o *Orchestrator) rollback(ctx context.Context, te store.TaskExecution, prev store.TaskStatus) {
	back := te
	back.Status = prev
	if _, err := o.tasks.Update(ctx, back); err != nil {
		o.logger.Error("restore status after failed dispatch", "task_execution_id", te.TaskExecutionID, "status", prev, "error", err)
	}
}

func (o *Orchestrator) setCurrentTask(ctx context.Context, pipelineID, taskID string) error {
	return o.updatePipeline(ctx, pipelineID, func(p *store.Pipeline) bool {
		if p.CurrentTaskID == taskID {
			return false
		}
		p.CurrentTaskID = taskID
		return true
	})
}

// updatePipeline applies change to the current row with CAS retries. change
// returns false to skip the write. A deleted pipeline is not an error.
func (o *Orchestrator) updatePipeline(ctx context.Context, id string, change func(p *store.Pipeline) bool) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		p, err := o.pipelines.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("pipeline not found", "pipeline_id", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pipeline %s: %w", id, err)
		}
		if !change(p) {
			return nil
		}
		p.History.LastModifiedBy = modifiedBy
		_, err = o.pipelines.Update(ctx, *p)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update pipeline %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("update pipeline %s: %w", id, store.ErrConflict)
}

func (o *Orchestrator) announceTask(ctx context.Context, detailType string, te store.TaskExecution, content string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, detailType, notify.New(detailType, te.Name, content)); err != nil {
		o.logger.Warn("publish task notification failed", "task_execution_id", te.TaskExecutionID, "error", err)
	}
}

func (o *Orchestrator) announcePipeline(ctx context.Context, p store.Pipeline) {
	if o.notifier == nil {
		return
	}
	detailType := notify.TaskPending
	switch p.Status {
	case store.PipelineComplete:
		detailType = notify.TaskSuccess
	case store.PipelineFailed:
		detailType = notify.TaskFailed
	}
	header := p.Name
	if header == "" {
		header = p.PipelineID
	}
	if err := o.notifier.Publish(ctx, detailType, notify.New(detailType, header, "Pipeline "+string(p.Status))); err != nil {
		o.logger.Warn("publish pipeline notification failed", "pipeline_id", p.PipelineID, "error", err)
	}
}
