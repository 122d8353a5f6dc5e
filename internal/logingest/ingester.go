package logingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/store"
)

// DefaultMaxRetries is the number of re-reads after a lost write.
const DefaultMaxRetries = 2

const modifiedBy = "log-ingestion"

// TaskStore is the slice of the task execution store the ingester needs.
type TaskStore interface {
	Get(ctx context.Context, id string) (*store.TaskExecution, error)
	Update(ctx context.Context, te store.TaskExecution) (*store.TaskExecution, error)
}

// Notifier receives one notification per applied line.
type Notifier interface {
	Publish(ctx context.Context, detailType string, n notify.Notification) error
}

// Ingester merges tagged log lines into task execution rows.
type Ingester struct {
	tasks      TaskStore
	notifier   Notifier
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

func New(tasks TaskStore, notifier Notifier, maxRetries int, logger *slog.Logger) *Ingester {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = log.WithComponent("logingest")
	}
	return &Ingester{
		tasks:      tasks,
		notifier:   notifier,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger,
	}
}

// IngestBatch decodes a compressed batch and ingests its lines.
func (in *Ingester) IngestBatch(ctx context.Context, payload []byte) ([]notify.Notification, error) {
	lines, err := DecodeBatch(payload)
	if err != nil {
		return nil, err
	}
	return in.Ingest(ctx, lines)
}

// Ingest applies each line in order and returns the notifications for the
// writes that landed. Untagged lines, unknown executions and exhausted
// conflicts are logged and skipped; any other store error stops the batch.
func (in *Ingester) Ingest(ctx context.Context, lines []string) ([]notify.Notification, error) {
	var out []notify.Notification
	for _, raw := range lines {
		line, ok := ParseLine(raw)
		if !ok {
			in.logger.Debug("skipping untagged log line", "line", raw)
			continue
		}
		n, err := in.apply(ctx, line)
		if err != nil {
			return out, err
		}
		if n == nil {
			continue
		}
		if in.notifier != nil {
			if err := in.notifier.Publish(ctx, n.detailType, n.Notification); err != nil {
				in.logger.Warn("publish notification failed", "task_execution_id", line.TaskExecutionID, "error", err)
			}
		}
		out = append(out, n.Notification)
	}
	return out, nil
}

type applied struct {
	notify.Notification
	detailType string
}

func (in *Ingester) apply(ctx context.Context, line Line) (*applied, error) {
	logger := in.logger.With("task_execution_id", line.TaskExecutionID)

	for attempt := 0; attempt <= in.maxRetries; attempt++ {
		current, err := in.tasks.Get(ctx, line.TaskExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("task execution not found, dropping log line")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read task execution %s: %w", line.TaskExecutionID, err)
		}

		now := in.now()
		next := *current
		next.Output += now.Format("15:04:05") + " " + line.Raw + "\n"
		next.OutputLastMessage = line.Message
		if status, ok := Status(line.Marker); ok && status != current.Status {
			switch {
			case current.Status == store.TaskPendingApproval && status == store.TaskComplete:
				// Only an operator approves.
				logger.Info("task awaiting approval, ignoring completion marker")
			case current.Status.CanTransition(status):
				next.Status = status
			default:
				logger.Info("ignoring status marker for current state", "from", current.Status, "to", status)
			}
		}
		next.History.OutcomeDate = now.UTC().Format(time.RFC3339Nano)
		next.History.LastModifiedBy = modifiedBy

		written, err := in.tasks.Update(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			logger.Debug("conditional write lost, re-reading", "attempt", attempt+1)
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("task execution deleted during ingest, dropping log line")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("write task execution %s: %w", line.TaskExecutionID, err)
		}

		detailType := notify.DetailTypeForStatus(written.Status)
		return &applied{
			Notification: notify.New(detailType, written.Name, written.OutputLastMessage),
			detailType:   detailType,
		}, nil
	}

	logger.Error("dropping log line after repeated write conflicts", "attempts", in.maxRetries+1)
	return nil, nil
}
