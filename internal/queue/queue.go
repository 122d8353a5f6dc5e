package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

const jobColumns = `id, task_execution_id, task_reference, payload, status, attempt, submitted_by,
  dedupe_key, created_at, started_at, completed_at, last_error`

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a queued job. When a job with the same dedupe key already
// exists the existing id is returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error) {
	if req.TaskExecutionID == "" {
		return "", false, fmt.Errorf("task_execution_id is empty")
	}
	if req.TaskReference == "" {
		return "", false, fmt.Errorf("task_reference is empty")
	}
	if req.SubmittedBy == "" {
		return "", false, fmt.Errorf("submitted_by is empty")
	}

	id = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var payload, dedupe any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	if req.DedupeKey != "" {
		dedupe = req.DedupeKey
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO automation_jobs(
  id, task_execution_id, task_reference, payload, status, attempt, submitted_by, dedupe_key, created_at
)
VALUES(?, ?, ?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(dedupe_key) DO NOTHING;
`, id, req.TaskExecutionID, req.TaskReference, payload, StatusQueued, req.SubmittedBy, dedupe, now)
	if err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}

	var existing string
	if err := q.db.QueryRowContext(ctx,
		`SELECT id FROM automation_jobs WHERE dedupe_key = ?;`, req.DedupeKey,
	).Scan(&existing); err != nil {
		return "", false, fmt.Errorf("load deduplicated job: %w", err)
	}
	return existing, false, nil
}

// Dequeue claims the oldest queued job and marks it running. Returns (nil, nil)
// if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM automation_jobs
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE automation_jobs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM automation_jobs WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListForTaskExecution returns the jobs of one task execution, oldest first.
func (q *Queue) ListForTaskExecution(ctx context.Context, taskExecutionID string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobColumns+`
FROM automation_jobs
WHERE task_execution_id = ?
ORDER BY created_at ASC, rowid ASC;`, taskExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Complete marks a job terminal and records its error and captured stderr.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError, stderr *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.IsTerminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	var stderrVal any
	if stderr != nil {
		s := *stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE automation_jobs
SET status = ?, completed_at = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, status, time.Now().UTC().Format(time.RFC3339Nano), lastError, stderrVal, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM automation_jobs WHERE status = ?;`, StatusQueued,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RecoverRunning requeues jobs left running by a previous process and bumps
// their attempt counter.
func (q *Queue) RecoverRunning(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE automation_jobs
SET status = ?, started_at = NULL, attempt = attempt + 1
WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		payload      sql.NullString
		dedupeKey    sql.NullString
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.TaskExecutionID, &j.TaskReference, &payload, &statusS, &j.Attempt, &j.SubmittedBy,
		&dedupeKey, &createdAtS, &startedAtS, &completedAtS, &lastError,
	); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.DedupeKey = dedupeKey.String
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseOptionalTime(startedAtS)
	j.CompletedAt = parseOptionalTime(completedAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseOptionalTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
