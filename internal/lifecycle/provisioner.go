package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/telemetry"
)

// ProvisionedMessage is the initial outputLastMessage of every expanded task.
const ProvisionedMessage = "system provisioning complete"

const provisionerName = "provisioner"

// TemplateTasks lists the tasks of a template in definition order.
type TemplateTasks interface {
	ListTasks(ctx context.Context, templateID string) ([]store.TemplateTask, error)
}

// TaskEnsurer inserts a task execution unless one with its id exists.
type TaskEnsurer interface {
	Ensure(ctx context.Context, te store.TaskExecution) (bool, error)
}

// PipelineTransitioner moves a pipeline between statuses conditionally.
type PipelineTransitioner interface {
	Get(ctx context.Context, id string) (*store.Pipeline, error)
	Transition(ctx context.Context, id string, to store.PipelineStatus, by string, from ...store.PipelineStatus) (*store.Pipeline, error)
}

// Provisioner expands newly created pipelines into task executions.
type Provisioner struct {
	templates TemplateTasks
	tasks     TaskEnsurer
	pipelines PipelineTransitioner
	logger    *slog.Logger
}

func NewProvisioner(templates TemplateTasks, tasks TaskEnsurer, pipelines PipelineTransitioner, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = log.WithComponent(provisionerName)
	}
	return &Provisioner{templates: templates, tasks: tasks, pipelines: pipelines, logger: logger}
}

// Handle reacts to pipeline inserts. Other records are ignored.
func (p *Provisioner) Handle(ctx context.Context, records []changefeed.Record) error {
	for _, rec := range records {
		if rec.Table != store.TablePipelines || rec.Kind() != changefeed.KindInsert {
			continue
		}
		var pipeline store.Pipeline
		if _, _, err := rec.DecodeImages(nil, &pipeline); err != nil {
			return err
		}
		if err := p.Provision(ctx, pipeline); err != nil {
			return err
		}
	}
	return nil
}

// Provision ensures one task execution per template task exists, then moves
// the pipeline from Provisioning to Not Started. Re-running it is safe.
func (p *Provisioner) Provision(ctx context.Context, pipeline store.Pipeline) error {
	logger := p.logger.With("pipeline_id", pipeline.PipelineID, "template_id", pipeline.TemplateID)

	tasks, err := p.templates.ListTasks(ctx, pipeline.TemplateID)
	if err != nil {
		return fmt.Errorf("list tasks of template %q: %w", pipeline.TemplateID, err)
	}
	if len(tasks) == 0 {
		// A pipeline deleted before its expansion needs nothing further.
		if _, gerr := p.pipelines.Get(ctx, pipeline.PipelineID); errors.Is(gerr, store.ErrNotFound) {
			logger.Warn("pipeline gone and template empty, skipping expansion")
			return nil
		}
		return fmt.Errorf("template %q has no tasks: %w", pipeline.TemplateID, store.ErrNotFound)
	}

	created := 0
	for _, tt := range tasks {
		te := Expand(pipeline, tt)
		ok, err := p.tasks.Ensure(ctx, te)
		if errors.Is(err, store.ErrIDCollision) {
			// Redelivery cannot fix this; leave the pipeline in Provisioning
			// rather than stall the feed for every other pipeline.
			logger.Error("pipeline not provisioned, task execution id collides", "task_execution_id", te.TaskExecutionID, "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ensure task execution %s: %w", te.TaskExecutionID, err)
		}
		if ok {
			created++
		}
	}
	logger.Info("pipeline expanded", "tasks", len(tasks), "created", created)

	_, err = p.pipelines.Transition(ctx, pipeline.PipelineID, store.PipelineNotStarted, provisionerName, store.PipelineProvisioning)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("pipeline deleted during provisioning")
	case errors.Is(err, store.ErrConflict):
		logger.Info("pipeline already past provisioning", "error", err)
	case err != nil:
		return fmt.Errorf("mark pipeline %s not started: %w", pipeline.PipelineID, err)
	}

	telemetry.Signal(ctx, "PipelineCreated",
		telemetry.String("pipeline_id", pipeline.PipelineID),
		telemetry.String("template_id", pipeline.TemplateID),
		telemetry.Int("tasks", len(tasks)),
	)
	return nil
}

// Expand builds the task execution for one template task of pipeline.
func Expand(pipeline store.Pipeline, tt store.TemplateTask) store.TaskExecution {
	successors := make([]string, 0, len(tt.SuccessorIDs))
	for _, id := range tt.SuccessorIDs {
		successors = append(successors, store.ExecutionID(pipeline.PipelineID, id))
	}
	return store.TaskExecution{
		TaskExecutionID:   store.ExecutionID(pipeline.PipelineID, tt.TemplateTaskID),
		PipelineID:        pipeline.PipelineID,
		TaskID:            tt.TemplateTaskID,
		TaskReference:     tt.TaskReference,
		TaskVersion:       tt.TaskVersion,
		Name:              tt.TaskName,
		Status:            store.TaskNotStarted,
		Successors:        successors,
		OutputLastMessage: ProvisionedMessage,
		Inputs:            pipeline.Inputs,
		History:           pipeline.History,
	}
}
