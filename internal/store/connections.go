package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Connections tracks live client connections for notification fan-out.
type Connections struct {
	db *sql.DB
}

func NewConnections(db *sql.DB) *Connections {
	return &Connections{db: db}
}

// Put records (or refreshes) a connection.
func (s *Connections) Put(ctx context.Context, c Connection) error {
	if c.ConnectionID == "" {
		return fmt.Errorf("connection_id is empty")
	}
	if c.EstablishedAt.IsZero() {
		c.EstablishedAt = time.Now()
	}
	topics, err := encodeJSON(c.Topics, "[]")
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO connections(connection_id, established_at, subscriber_identity, topics)
VALUES(?, ?, ?, ?)
ON CONFLICT(connection_id) DO UPDATE SET
  established_at = excluded.established_at,
  subscriber_identity = excluded.subscriber_identity,
  topics = excluded.topics;
`, c.ConnectionID, timestamp(c.EstablishedAt), c.SubscriberIdentity, topics)
	if err != nil {
		return fmt.Errorf("put connection %q: %w", c.ConnectionID, err)
	}
	return nil
}

// Delete removes a connection; deleting an unknown id is not an error.
func (s *Connections) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE connection_id = ?;", id); err != nil {
		return fmt.Errorf("delete connection %q: %w", id, err)
	}
	return nil
}

// Scan returns one page of connections ordered by id, starting after the
// continuation token. The returned token is empty on the last page.
func (s *Connections) Scan(ctx context.Context, token string, limit int) ([]Connection, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT connection_id, established_at, subscriber_identity, topics
FROM connections
WHERE connection_id > ?
ORDER BY connection_id ASC
LIMIT ?;
`, token, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("scan connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var (
			c           Connection
			established string
			topics      string
		)
		if err := rows.Scan(&c.ConnectionID, &established, &c.SubscriberIdentity, &topics); err != nil {
			return nil, "", fmt.Errorf("scan connection: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, established); err == nil {
			c.EstablishedAt = t
		}
		if err := decodeJSON(topics, &c.Topics, "topics"); err != nil {
			return nil, "", err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate connections: %w", err)
	}

	if len(out) > limit {
		out = out[:limit]
		return out, out[limit-1].ConnectionID, nil
	}
	return out, "", nil
}
