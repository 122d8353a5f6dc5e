package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the pipeline engine tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: transactions are serialized and change_feed seq
	// order equals commit order. Never query db while holding a tx.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_templates (
  template_id  TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  description  TEXT NOT NULL DEFAULT '',
  digest       TEXT NOT NULL DEFAULT '',
  imported_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS pipeline_template_tasks (
  template_id      TEXT NOT NULL REFERENCES pipeline_templates(template_id) ON DELETE CASCADE,
  template_task_id TEXT NOT NULL,
  task_name        TEXT NOT NULL,
  task_reference   TEXT NOT NULL,
  task_version     TEXT NOT NULL DEFAULT '',
  successor_ids    JSON NOT NULL DEFAULT '[]',
  position         INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (template_id, template_task_id)
);`,
		`CREATE TABLE IF NOT EXISTS pipelines (
  pipeline_id           TEXT PRIMARY KEY,
  template_id           TEXT NOT NULL,
  pipeline_name         TEXT NOT NULL DEFAULT '',
  status                TEXT NOT NULL,
  current_task_id       TEXT NOT NULL DEFAULT '',
  task_execution_inputs JSON NOT NULL DEFAULT '{}',
  notifications         JSON NOT NULL DEFAULT '{}',
  history               JSON NOT NULL DEFAULT '{}',
  version               INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE TABLE IF NOT EXISTS task_executions (
  task_execution_id     TEXT PRIMARY KEY,
  pipeline_id           TEXT NOT NULL,
  task_id               TEXT NOT NULL,
  task_reference        TEXT NOT NULL,
  task_version          TEXT NOT NULL DEFAULT '',
  task_execution_name   TEXT NOT NULL DEFAULT '',
  status                TEXT NOT NULL,
  successors            JSON NOT NULL DEFAULT '[]',
  output                TEXT NOT NULL DEFAULT '',
  output_last_message   TEXT NOT NULL DEFAULT '',
  task_execution_inputs JSON NOT NULL DEFAULT '{}',
  history               JSON NOT NULL DEFAULT '{}',
  version               INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE TABLE IF NOT EXISTS connections (
  connection_id       TEXT PRIMARY KEY,
  established_at      TEXT NOT NULL,
  subscriber_identity TEXT NOT NULL DEFAULT '',
  topics              JSON NOT NULL DEFAULT '[]'
);`,
		`CREATE TABLE IF NOT EXISTS change_feed (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  source_table TEXT NOT NULL,
  record_key   TEXT NOT NULL,
  old_image    JSON,
  new_image    JSON,
  created_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS feed_cursors (
  consumer   TEXT PRIMARY KEY,
  last_seq   INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS automation_jobs (
  id                TEXT PRIMARY KEY,
  task_execution_id TEXT NOT NULL,
  task_reference    TEXT NOT NULL,
  payload           JSON,
  status            TEXT NOT NULL,
  attempt           INTEGER NOT NULL DEFAULT 1,
  submitted_by      TEXT NOT NULL,
  dedupe_key        TEXT UNIQUE,
  created_at        TEXT NOT NULL,
  started_at        TEXT,
  completed_at      TEXT,
  last_error        TEXT,
  stderr            TEXT
);`,
		`CREATE INDEX IF NOT EXISTS task_executions_pipeline_id_idx ON task_executions(pipeline_id);`,
		`CREATE INDEX IF NOT EXISTS pipeline_template_tasks_template_id_idx ON pipeline_template_tasks(template_id, position);`,
		`CREATE INDEX IF NOT EXISTS change_feed_table_seq_idx ON change_feed(source_table, seq);`,
		`CREATE INDEX IF NOT EXISTS automation_jobs_status_created_at_idx ON automation_jobs(status, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
