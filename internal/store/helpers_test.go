package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/migration-factory/internal/changefeed"
	"github.com/mattjoyce/migration-factory/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func feedRecords(t *testing.T, db *sql.DB, tables ...string) []changefeed.Record {
	t.Helper()
	recs, err := changefeed.NewReader(db).Next(context.Background(), "test", tables, 1000)
	if err != nil {
		t.Fatalf("read change feed: %v", err)
	}
	return recs
}
