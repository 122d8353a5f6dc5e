package changefeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reader reads change records after a consumer's persisted cursor.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Cursor returns the last acknowledged sequence for consumer, or 0.
func (r *Reader) Cursor(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, "SELECT last_seq FROM feed_cursors WHERE consumer = ?;", consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor for %q: %w", consumer, err)
	}
	return seq, nil
}

// Next returns up to limit records after the consumer's cursor, restricted to
// tables when non-empty, oldest first.
func (r *Reader) Next(ctx context.Context, consumer string, tables []string, limit int) ([]Record, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is empty")
	}
	if limit <= 0 {
		limit = 100
	}
	after, err := r.Cursor(ctx, consumer)
	if err != nil {
		return nil, err
	}

	query := `
SELECT seq, source_table, record_key, old_image, new_image, created_at
FROM change_feed
WHERE seq > ?`
	args := []any{after}
	if len(tables) > 0 {
		query += " AND source_table IN (" + strings.TrimSuffix(strings.Repeat("?,", len(tables)), ",") + ")"
		for _, t := range tables {
			args = append(args, t)
		}
	}
	query += " ORDER BY seq ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change feed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			oldImage   sql.NullString
			newImage   sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&rec.Seq, &rec.Table, &rec.Key, &oldImage, &newImage, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		if oldImage.Valid {
			rec.Old = json.RawMessage(oldImage.String)
		}
		if newImage.Valid {
			rec.New = json.RawMessage(newImage.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			rec.At = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change feed: %w", err)
	}
	return out, nil
}

// Ack advances the consumer's cursor to seq. The cursor never moves backwards.
func (r *Reader) Ack(ctx context.Context, consumer string, seq int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feed_cursors(consumer, last_seq, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(consumer) DO UPDATE SET
  last_seq = MAX(feed_cursors.last_seq, excluded.last_seq),
  updated_at = excluded.updated_at;
`, consumer, seq, now)
	if err != nil {
		return fmt.Errorf("ack cursor for %q: %w", consumer, err)
	}
	return nil
}
