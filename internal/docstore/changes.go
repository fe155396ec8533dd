package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one entry of the store's change log.
type Change struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	OwnerID    string `json:"owner_id,omitempty"`
	Op         Op     `json:"op"`
}

// ChangeWriter appends change log rows inside a write transaction.
type ChangeWriter struct {
	Now func() time.Time
}

func (w ChangeWriter) Append(ctx context.Context, tx *sql.Tx, collection, docID, ownerID string, op Op) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `INSERT INTO changes(ts,collection,doc_id,owner_id,op) VALUES (?,?,?,?,?)`,
		ts, collection, docID, nullable(ownerID), string(op))
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestChangeID(ctx context.Context, q queryer) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM changes`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest change: %w", err)
	}
	return id, nil
}

// LatestChangeID returns the newest change log position.
func (s *Store) LatestChangeID(ctx context.Context) (int64, error) {
	return latestChangeID(ctx, s.DB)
}

// ChangesAfter returns changes with IDs greater than the cursor in ascending order.
func (s *Store) ChangesAfter(ctx context.Context, cursor int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,collection,doc_id,COALESCE(owner_id,''),op FROM changes WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Change
	for rows.Next() {
		var c Change
		var op string
		if err := rows.Scan(&c.ID, &c.TS, &c.Collection, &c.DocID, &c.OwnerID, &op); err != nil {
			return nil, err
		}
		c.Op = Op(op)
		res = append(res, c)
	}
	return res, rows.Err()
}
