package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
)

const pipelineColumns = `pipeline_id, template_id, pipeline_name, status, current_task_id,
  task_execution_inputs, notifications, history, version`

// Pipelines persists pipeline rows with change-feed records.
type Pipelines struct {
	db  *sql.DB
	now func() time.Time
}

func NewPipelines(db *sql.DB) *Pipelines {
	return &Pipelines{db: db, now: time.Now}
}

// Create inserts a new pipeline. An existing id returns ErrConflict.
func (s *Pipelines) Create(ctx context.Context, p Pipeline) (*Pipeline, error) {
	if p.PipelineID == "" || p.TemplateID == "" {
		return nil, fmt.Errorf("pipeline requires pipeline_id and template_id")
	}
	now := s.now()
	if p.Status == "" {
		p.Status = PipelineProvisioning
	}
	if p.History.CreatedTimestamp == "" {
		p.History.CreatedTimestamp = timestamp(now)
	}
	p.History.LastModifiedTimestamp = timestamp(now)
	p.Version = 1

	inputs, err := encodeJSON(p.Inputs, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	notifications, err := encodeJSON(p.Notifications, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode notifications: %w", err)
	}
	history, err := encodeJSON(p.History, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO pipelines(`+pipelineColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pipeline_id) DO NOTHING;
`, p.PipelineID, p.TemplateID, p.Name, string(p.Status), p.CurrentTaskID, inputs, notifications, history, p.Version)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline %q: %w", p.PipelineID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("pipeline %q already exists: %w", p.PipelineID, ErrConflict)
	}
	if err := changefeed.Append(ctx, tx, TablePipelines, p.PipelineID, nil, p, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &p, nil
}

// Get returns one pipeline, or ErrNotFound.
func (s *Pipelines) Get(ctx context.Context, id string) (*Pipeline, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines WHERE pipeline_id = ?;", id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read pipeline %q: %w", id, err)
	}
	return p, nil
}

// List returns every pipeline in creation order.
func (s *Pipelines) List(ctx context.Context) ([]Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines ORDER BY rowid ASC;")
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}
	return out, nil
}

// Update writes p conditioned on p.Version matching the stored version.
func (s *Pipelines) Update(ctx context.Context, p Pipeline) (*Pipeline, error) {
	return s.mutate(ctx, p.PipelineID, func(old *Pipeline) (*Pipeline, error) {
		if old.Version != p.Version {
			return nil, ErrConflict
		}
		next := p
		return &next, nil
	})
}

// Transition moves a pipeline to status `to` only if it exists and its current
// status is one of from. by is recorded as lastModifiedBy.
func (s *Pipelines) Transition(ctx context.Context, id string, to PipelineStatus, by string, from ...PipelineStatus) (*Pipeline, error) {
	return s.mutate(ctx, id, func(old *Pipeline) (*Pipeline, error) {
		if !slices.Contains(from, old.Status) {
			return nil, fmt.Errorf("pipeline %q is %q, want one of %v: %w", id, old.Status, from, ErrConflict)
		}
		next := *old
		next.Status = to
		next.History.LastModifiedBy = by
		return &next, nil
	})
}

// Delete removes a pipeline. A missing row returns ErrNotFound.
func (s *Pipelines) Delete(ctx context.Context, id string) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanPipeline(tx.QueryRowContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines WHERE pipeline_id = ?;", id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read pipeline %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pipelines WHERE pipeline_id = ?;", id); err != nil {
		return fmt.Errorf("delete pipeline %q: %w", id, err)
	}
	if err := changefeed.Append(ctx, tx, TablePipelines, id, old, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// mutate runs a read-check-write cycle in one transaction. change builds the
// next row from the stored one or rejects it.
func (s *Pipelines) mutate(ctx context.Context, id string, change func(old *Pipeline) (*Pipeline, error)) (*Pipeline, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanPipeline(tx.QueryRowContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines WHERE pipeline_id = ?;", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read pipeline %q: %w", id, err)
	}

	next, err := change(old)
	if err != nil {
		return nil, err
	}
	next.PipelineID = old.PipelineID
	next.TemplateID = old.TemplateID
	next.Version = old.Version + 1
	next.History.CreatedTimestamp = old.History.CreatedTimestamp
	next.History.LastModifiedTimestamp = timestamp(now)
	if next.Status != old.Status && next.Status.IsTerminal() {
		next.History.OutcomeDate = timestamp(now)
	}

	inputs, err := encodeJSON(next.Inputs, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	notifications, err := encodeJSON(next.Notifications, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode notifications: %w", err)
	}
	history, err := encodeJSON(next.History, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE pipelines
SET pipeline_name = ?, status = ?, current_task_id = ?, task_execution_inputs = ?,
    notifications = ?, history = ?, version = ?
WHERE pipeline_id = ? AND version = ?;
`, next.Name, string(next.Status), next.CurrentTaskID, inputs, notifications, history, next.Version, id, old.Version)
	if err != nil {
		return nil, fmt.Errorf("update pipeline %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrConflict
	}
	if err := changefeed.Append(ctx, tx, TablePipelines, id, old, next, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

func scanPipeline(row rowScanner) (*Pipeline, error) {
	var (
		p             Pipeline
		status        string
		inputs        string
		notifications string
		history       string
	)
	if err := row.Scan(&p.PipelineID, &p.TemplateID, &p.Name, &status, &p.CurrentTaskID,
		&inputs, &notifications, &history, &p.Version); err != nil {
		return nil, err
	}
	p.Status = PipelineStatus(status)
	if err := decodeJSON(inputs, &p.Inputs, "task_execution_inputs"); err != nil {
		return nil, err
	}
	if err := decodeJSON(notifications, &p.Notifications, "notifications"); err != nil {
		return nil, err
	}
	if err := decodeJSON(history, &p.History, "history"); err != nil {
		return nil, err
	}
	return &p, nil
}
