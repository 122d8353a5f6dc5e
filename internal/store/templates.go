package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Templates holds imported pipeline templates. Templates are reference data:
// they are not watched by the change feed.
type Templates struct {
	db  *sql.DB
	now func() time.Time
}

func NewTemplates(db *sql.DB) *Templates {
	return &Templates{db: db, now: time.Now}
}

// Put replaces a template and its full task set atomically.
func (s *Templates) Put(ctx context.Context, t Template) error {
	if t.TemplateID == "" {
		return fmt.Errorf("template_id is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO pipeline_templates(template_id, name, description, digest, imported_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(template_id) DO UPDATE SET
  name = excluded.name,
  description = excluded.description,
  digest = excluded.digest,
  imported_at = excluded.imported_at;
`, t.TemplateID, t.Name, t.Description, t.Digest, timestamp(s.now()))
	if err != nil {
		return fmt.Errorf("upsert template %q: %w", t.TemplateID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pipeline_template_tasks WHERE template_id = ?;", t.TemplateID); err != nil {
		return fmt.Errorf("clear template tasks: %w", err)
	}
	for i, task := range t.Tasks {
		successors, err := encodeJSON(task.SuccessorIDs, "[]")
		if err != nil {
			return fmt.Errorf("encode successor_ids: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO pipeline_template_tasks(template_id, template_task_id, task_name, task_reference, task_version, successor_ids, position)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, t.TemplateID, task.TemplateTaskID, task.TaskName, task.TaskReference, task.TaskVersion, successors, i)
		if err != nil {
			return fmt.Errorf("insert template task %q: %w", task.TemplateTaskID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get returns a template with its tasks, or ErrNotFound.
func (s *Templates) Get(ctx context.Context, id string) (*Template, error) {
	var (
		t          Template
		importedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT template_id, name, description, digest, imported_at
FROM pipeline_templates WHERE template_id = ?;
`, id).Scan(&t.TemplateID, &t.Name, &t.Description, &t.Digest, &importedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read template %q: %w", id, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, importedAt); err == nil {
		t.ImportedAt = ts
	}
	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Tasks = tasks
	return &t, nil
}

// List returns all templates without their tasks.
func (s *Templates) List(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT template_id, name, description, digest, imported_at
FROM pipeline_templates ORDER BY template_id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var (
			t          Template
			importedAt string
		)
		if err := rows.Scan(&t.TemplateID, &t.Name, &t.Description, &t.Digest, &importedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, importedAt); err == nil {
			t.ImportedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks returns a template's tasks in import order.
func (s *Templates) ListTasks(ctx context.Context, templateID string) ([]TemplateTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT template_task_id, template_id, task_name, task_reference, task_version, successor_ids
FROM pipeline_template_tasks
WHERE template_id = ?
ORDER BY position ASC;
`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template tasks for %q: %w", templateID, err)
	}
	defer rows.Close()

	var out []TemplateTask
	for rows.Next() {
		var (
			task       TemplateTask
			successors string
		)
		if err := rows.Scan(&task.TemplateTaskID, &task.TemplateID, &task.TaskName, &task.TaskReference, &task.TaskVersion, &successors); err != nil {
			return nil, fmt.Errorf("scan template task: %w", err)
		}
		if err := decodeJSON(successors, &task.SuccessorIDs, "successor_ids"); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template tasks: %w", err)
	}
	return out, nil
}
