package changefeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a record by which images it carries.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "MODIFY"
	KindDelete Kind = "REMOVE"
)

// Record is one before/after snapshot of a row mutation.
type Record struct {
	Seq   int64           `json:"seq"`
	Table string          `json:"table"`
	Key   string          `json:"key"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
	At    time.Time       `json:"at"`
}

// Kind derives the mutation kind: no old image is an insert, no new image is a
// delete, both is an update.
func (r Record) Kind() Kind {
	switch {
	case len(r.Old) == 0:
		return KindInsert
	case len(r.New) == 0:
		return KindDelete
	default:
		return KindUpdate
	}
}

// DecodeImages unmarshals whichever images are present into oldDst/newDst.
// A nil destination skips that image. It reports which images were decoded.
func (r Record) DecodeImages(oldDst, newDst any) (hasOld, hasNew bool, err error) {
	if len(r.Old) > 0 && oldDst != nil {
		if err := json.Unmarshal(r.Old, oldDst); err != nil {
			return false, false, fmt.Errorf("decode old image seq=%d: %w", r.Seq, err)
		}
		hasOld = true
	}
	if len(r.New) > 0 && newDst != nil {
		if err := json.Unmarshal(r.New, newDst); err != nil {
			return false, false, fmt.Errorf("decode new image seq=%d: %w", r.Seq, err)
		}
		hasNew = true
	}
	return hasOld, hasNew, nil
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes a change record. Callers pass their open transaction so the
// record commits atomically with the mutation it describes. A nil image is
// stored as NULL.
func Append(ctx context.Context, ex Execer, table, key string, oldImage, newImage any, at time.Time) error {
	oldVal, err := marshalImage(oldImage)
	if err != nil {
		return fmt.Errorf("marshal old image: %w", err)
	}
	newVal, err := marshalImage(newImage)
	if err != nil {
		return fmt.Errorf("marshal new image: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO change_feed(source_table, record_key, old_image, new_image, created_at)
VALUES(?, ?, ?, ?, ?);
`, table, key, oldVal, newVal, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return nil
}

func marshalImage(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}
