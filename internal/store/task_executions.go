package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
)

const taskExecutionColumns = `task_execution_id, pipeline_id, task_id, task_reference, task_version,
  task_execution_name, status, successors, output, output_last_message,
  task_execution_inputs, history, version`

// TaskExecutions persists task-execution rows. Every mutation appends a
// change record in the same transaction.
type TaskExecutions struct {
	db  *sql.DB
	now func() time.Time
}

func NewTaskExecutions(db *sql.DB) *TaskExecutions {
	return &TaskExecutions{db: db, now: time.Now}
}

// Get returns one row, or ErrNotFound.
func (s *TaskExecutions) Get(ctx context.Context, id string) (*TaskExecution, error) {
	if id == "" {
		return nil, fmt.Errorf("task_execution_id is empty")
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+taskExecutionColumns+" FROM task_executions WHERE task_execution_id = ?;", id)
	te, err := scanTaskExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task execution %q: %w", id, err)
	}
	return te, nil
}

// ListByPipeline returns all rows of one pipeline in creation order.
func (s *TaskExecutions) ListByPipeline(ctx context.Context, pipelineID string) ([]TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskExecutionColumns+" FROM task_executions WHERE pipeline_id = ? ORDER BY rowid ASC;", pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list task executions for %q: %w", pipelineID, err)
	}
	defer rows.Close()

	var out []TaskExecution
	for rows.Next() {
		te, err := scanTaskExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		out = append(out, *te)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task executions: %w", err)
	}
	return out, nil
}

// Ensure inserts te if no row with its id exists. It reports whether a row was
// created; an existing row of the same pipeline is left untouched, one owned by
// another pipeline returns ErrIDCollision.
func (s *TaskExecutions) Ensure(ctx context.Context, te TaskExecution) (bool, error) {
	if te.TaskExecutionID == "" || te.PipelineID == "" {
		return false, fmt.Errorf("task execution requires task_execution_id and pipeline_id")
	}
	now := s.now()
	if te.History.CreatedTimestamp == "" {
		te.History.CreatedTimestamp = timestamp(now)
	}
	te.Version = 1
	if te.Successors == nil {
		te.Successors = []string{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args, err := taskExecutionArgs(te)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO task_executions(`+taskExecutionColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_execution_id) DO NOTHING;
`, args...)
	if err != nil {
		return false, fmt.Errorf("insert task execution %q: %w", te.TaskExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var owner string
		err := tx.QueryRowContext(ctx, "SELECT pipeline_id FROM task_executions WHERE task_execution_id = ?;", te.TaskExecutionID).Scan(&owner)
		if err != nil {
			return false, fmt.Errorf("read task execution %q: %w", te.TaskExecutionID, err)
		}
		if owner != te.PipelineID {
			return false, fmt.Errorf("task execution %q is owned by pipeline %q: %w", te.TaskExecutionID, owner, ErrIDCollision)
		}
		return false, nil
	}
	if err := changefeed.Append(ctx, tx, TableTaskExecutions, te.TaskExecutionID, nil, te, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// Update writes te only if the stored version still equals te.Version, and
// returns the stored row with its bumped version. A version mismatch returns
// ErrConflict; a missing row returns ErrNotFound.
func (s *TaskExecutions) Update(ctx context.Context, te TaskExecution) (*TaskExecution, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+taskExecutionColumns+" FROM task_executions WHERE task_execution_id = ?;", te.TaskExecutionID)
	old, err := scanTaskExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task execution %q: %w", te.TaskExecutionID, err)
	}
	if old.Version != te.Version {
		return nil, ErrConflict
	}

	next := te
	next.PipelineID = old.PipelineID
	next.Version = old.Version + 1
	next.History.CreatedTimestamp = old.History.CreatedTimestamp
	next.History.LastModifiedTimestamp = timestamp(now)
	if next.Status != old.Status && next.Status.IsTerminal() {
		next.History.OutcomeDate = timestamp(now)
	}
	if next.Successors == nil {
		next.Successors = []string{}
	}

	successors, err := encodeJSON(next.Successors, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode successors: %w", err)
	}
	inputs, err := encodeJSON(next.Inputs, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	history, err := encodeJSON(next.History, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE task_executions
SET task_id = ?, task_reference = ?, task_version = ?, task_execution_name = ?, status = ?,
    successors = ?, output = ?, output_last_message = ?, task_execution_inputs = ?,
    history = ?, version = ?
WHERE task_execution_id = ? AND version = ?;
`, next.TaskID, next.TaskReference, next.TaskVersion, next.Name, string(next.Status),
		successors, next.Output, next.OutputLastMessage, inputs,
		history, next.Version, next.TaskExecutionID, old.Version)
	if err != nil {
		return nil, fmt.Errorf("update task execution %q: %w", te.TaskExecutionID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrConflict
	}

	if err := changefeed.Append(ctx, tx, TableTaskExecutions, next.TaskExecutionID, old, next, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &next, nil
}

// Delete removes one row. A missing row returns ErrNotFound.
func (s *TaskExecutions) Delete(ctx context.Context, id string) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+taskExecutionColumns+" FROM task_executions WHERE task_execution_id = ?;", id)
	old, err := scanTaskExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task execution %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_executions WHERE task_execution_id = ?;", id); err != nil {
		return fmt.Errorf("delete task execution %q: %w", id, err)
	}
	if err := changefeed.Append(ctx, tx, TableTaskExecutions, id, old, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func taskExecutionArgs(te TaskExecution) ([]any, error) {
	successors, err := encodeJSON(te.Successors, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode successors: %w", err)
	}
	inputs, err := encodeJSON(te.Inputs, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	history, err := encodeJSON(te.History, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return []any{
		te.TaskExecutionID, te.PipelineID, te.TaskID, te.TaskReference, te.TaskVersion,
		te.Name, string(te.Status), successors, te.Output, te.OutputLastMessage,
		inputs, history, te.Version,
	}, nil
}

func scanTaskExecution(row rowScanner) (*TaskExecution, error) {
	var (
		te         TaskExecution
		status     string
		successors string
		inputs     string
		history    string
	)
	if err := row.Scan(
		&te.TaskExecutionID, &te.PipelineID, &te.TaskID, &te.TaskReference, &te.TaskVersion,
		&te.Name, &status, &successors, &te.Output, &te.OutputLastMessage,
		&inputs, &history, &te.Version,
	); err != nil {
		return nil, err
	}
	te.Status = TaskStatus(status)
	if err := decodeJSON(successors, &te.Successors, "successors"); err != nil {
		return nil, err
	}
	if te.Successors == nil {
		te.Successors = []string{}
	}
	if err := decodeJSON(inputs, &te.Inputs, "task_execution_inputs"); err != nil {
		return nil, err
	}
	if err := decodeJSON(history, &te.History, "history"); err != nil {
		return nil, err
	}
	return &te, nil
}
