package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pact/internal/domain"
)

const (
	Contracts    = "contracts"
	StakeLedgers = "stake_ledgers"
	Users        = "users"
	StakeEvents  = "stake_events"
	Feed         = "feed"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrMissingIndex is returned for queries on fields no index was declared for.
	ErrMissingIndex = errors.New("missing index")
)

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Document is one stored JSON document.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Notifier is told about committed writes so watchers can wake early.
type Notifier interface {
	Notify(ctx context.Context, collection string) error
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

func (n Notifiers) Notify(ctx context.Context, collection string) error {
	var errs []error
	for _, notifier := range n {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, collection); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Store is the hosted document store: JSON documents grouped in collections,
// with every write appended to the change log inside the same transaction.
type Store struct {
	DB       *sql.DB
	Now      func() time.Time
	Notifier Notifier
	Log      *zap.Logger
}

func New(conn *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{DB: conn, Now: time.Now, Log: log}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Store) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Tx is a unit of work over the store.
type Tx struct {
	store   *Store
	tx      *sql.Tx
	changes ChangeWriter
	touched map[string]struct{}
}

// RunInTx runs fn in a write transaction and notifies watchers after commit.
func (s *Store) RunInTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()
	tx := &Tx{store: s, tx: sqlTx, changes: ChangeWriter{Now: s.now}, touched: map[string]struct{}{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	if s.Notifier != nil {
		for collection := range tx.touched {
			if err := s.Notifier.Notify(ctx, collection); err != nil {
				s.logger().Warn("change notification failed", zap.String("collection", collection), zap.Error(err))
			}
		}
	}
	return nil
}

// ReadSnapshot runs fn against a consistent read view and returns the change
// log position the view reflects.
func (s *Store) ReadSnapshot(ctx context.Context, fn func(*Tx) error) (int64, error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer sqlTx.Rollback()
	tx := &Tx{store: s, tx: sqlTx}
	version, err := latestChangeID(ctx, sqlTx)
	if err != nil {
		return 0, err
	}
	if err := fn(tx); err != nil {
		return 0, err
	}
	return version, sqlTx.Commit()
}

// Create inserts a document under a fresh id. A server timestamp is stored in
// created_at unless the body already carries one.
func (tx *Tx) Create(ctx context.Context, collection, ownerID string, body any) (string, error) {
	fields, err := toFields(body)
	if err != nil {
		return "", err
	}
	now := tx.store.now()
	if _, ok := fields["created_at"]; !ok {
		fields["created_at"] = domain.Native(now)
	}
	id := uuid.NewString()
	if err := tx.insert(ctx, collection, id, ownerID, fields, now); err != nil {
		return "", err
	}
	return id, nil
}

// Set writes a document at a known id. With merge the top-level fields are
// merged into an existing document, otherwise the document is replaced.
func (tx *Tx) Set(ctx context.Context, collection, id, ownerID string, body any, merge bool) error {
	fields, err := toFields(body)
	if err != nil {
		return err
	}
	now := tx.store.now()
	existing, err := tx.Get(ctx, collection, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return tx.insert(ctx, collection, id, ownerID, fields, now)
	case err != nil:
		return err
	}
	if merge {
		var current map[string]any
		if err := existing.Decode(&current); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		for k, v := range fields {
			current[k] = v
		}
		fields = current
	}
	if ownerID == "" {
		ownerID = existing.OwnerID
	}
	return tx.write(ctx, collection, id, ownerID, fields, now)
}

// Update merges fields into an existing document.
func (tx *Tx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	existing, err := tx.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	var current map[string]any
	if err := existing.Decode(&current); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	if current == nil {
		current = map[string]any{}
	}
	for k, v := range fields {
		current[k] = v
	}
	return tx.write(ctx, collection, id, existing.OwnerID, current, tx.store.now())
}

// Delete removes a document.
func (tx *Tx) Delete(ctx context.Context, collection, id string) error {
	existing, err := tx.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collection, id); err != nil {
		return err
	}
	return tx.record(ctx, collection, id, existing.OwnerID, OpDelete)
}

// Get loads one document.
func (tx *Tx) Get(ctx context.Context, collection, id string) (Document, error) {
	row := tx.tx.QueryRowContext(ctx, `SELECT collection,id,COALESCE(owner_id,''),data_json,created_at,updated_at FROM documents WHERE collection=? AND id=?`, collection, id)
	var d Document
	var data string
	err := row.Scan(&d.Collection, &d.ID, &d.OwnerID, &data, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.Data = json.RawMessage(data)
	return d, nil
}

// Where returns the documents of a collection whose field equals value. The
// field must have a declared index.
func (tx *Tx) Where(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid query field %q", field)
	}
	var indexed int
	if err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_indexes WHERE collection=? AND field=?`, collection, field).Scan(&indexed); err != nil {
		return nil, err
	}
	if indexed == 0 {
		return nil, fmt.Errorf("query %s where %s: %w", collection, field, ErrMissingIndex)
	}
	return tx.query(ctx, `SELECT collection,id,COALESCE(owner_id,''),data_json,created_at,updated_at FROM documents WHERE collection=? AND json_extract(data_json, ?)=? ORDER BY created_at ASC, id ASC`,
		collection, "$."+field, value)
}

// All returns every document of a collection.
func (tx *Tx) All(ctx context.Context, collection string) ([]Document, error) {
	return tx.query(ctx, `SELECT collection,id,COALESCE(owner_id,''),data_json,created_at,updated_at FROM documents WHERE collection=? ORDER BY created_at ASC, id ASC`, collection)
}

func (tx *Tx) query(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Document
	for rows.Next() {
		var d Document
		var data string
		if err := rows.Scan(&d.Collection, &d.ID, &d.OwnerID, &data, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Data = json.RawMessage(data)
		res = append(res, d)
	}
	return res, rows.Err()
}

func (tx *Tx) insert(ctx context.Context, collection, id, ownerID string, fields map[string]any, now time.Time) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	ts := now.Format(time.RFC3339Nano)
	if _, err := tx.tx.ExecContext(ctx, `INSERT INTO documents(collection,id,owner_id,data_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		collection, id, nullable(ownerID), string(data), ts, ts); err != nil {
		return err
	}
	return tx.record(ctx, collection, id, ownerID, OpCreate)
}

func (tx *Tx) write(ctx context.Context, collection, id, ownerID string, fields map[string]any, now time.Time) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	res, err := tx.tx.ExecContext(ctx, `UPDATE documents SET data_json=?, owner_id=?, updated_at=? WHERE collection=? AND id=?`,
		string(data), nullable(ownerID), now.Format(time.RFC3339Nano), collection, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return tx.record(ctx, collection, id, ownerID, OpUpdate)
}

func (tx *Tx) record(ctx context.Context, collection, id, ownerID string, op Op) error {
	if tx.touched == nil {
		return fmt.Errorf("write to %s/%s in a read snapshot", collection, id)
	}
	if err := tx.changes.Append(ctx, tx.tx, collection, id, ownerID, op); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	tx.touched[collection] = struct{}{}
	return nil
}

// Create inserts a document in its own transaction.
func (s *Store) Create(ctx context.Context, collection, ownerID string, body any) (string, error) {
	var id string
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Create(ctx, collection, ownerID, body)
		return err
	})
	return id, err
}

// Set writes a document in its own transaction.
func (s *Store) Set(ctx context.Context, collection, id, ownerID string, body any, merge bool) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.Set(ctx, collection, id, ownerID, body, merge)
	})
}

// Update merges fields into a document in its own transaction.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.Update(ctx, collection, id, fields)
	})
}

// Delete removes a document in its own transaction.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, collection, id)
	})
}

// Get loads one document.
func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	_, err := s.ReadSnapshot(ctx, func(tx *Tx) error {
		var err error
		doc, err = tx.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

// Where runs an indexed equality query.
func (s *Store) Where(ctx context.Context, collection, field string, value any) ([]Document, error) {
	var docs []Document
	_, err := s.ReadSnapshot(ctx, func(tx *Tx) error {
		var err error
		docs, err = tx.Where(ctx, collection, field, value)
		return err
	})
	return docs, err
}

// All lists a collection.
func (s *Store) All(ctx context.Context, collection string) ([]Document, error) {
	var docs []Document
	_, err := s.ReadSnapshot(ctx, func(tx *Tx) error {
		var err error
		docs, err = tx.All(ctx, collection)
		return err
	})
	return docs, err
}

func toFields(body any) (map[string]any, error) {
	if m, ok := body.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
