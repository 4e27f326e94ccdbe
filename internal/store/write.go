package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/outboxd/internal/ops"
)

// maxIDAttempts bounds the createdAt bump loop when two entity refs render
// to the same record ID (keys containing "/" or "@").
const maxIDAttempts = 64

// Append inserts a new Pending record for m and returns its ID.
//
// The record's createdAt is the current clock time, bumped past the newest
// existing record for the same entity so per-entity creation order always
// matches append order. Fails with STORAGE_UNAVAILABLE when the table cannot
// be written; callers fall back to the offline recorder.
func (s *Store) Append(ctx context.Context, m ops.Mutation) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("append: %w", err)
	}

	var id string
	err := s.withTx(ctx, "append", func(tx *sql.Tx) error {
		var err error
		id, err = s.appendTx(ctx, tx, m, s.clock.Now(), "")
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Mutate applies m to the local entity table and appends the matching
// outbox record in one transaction. Deletes leave a tombstone row.
func (s *Store) Mutate(ctx context.Context, m ops.Mutation) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("mutate: %w", err)
	}

	var id string
	err := s.withTx(ctx, "mutate", func(tx *sql.Tx) error {
		var err error
		id, err = s.mutateTx(ctx, tx, m, s.clock.Now(), "")
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// PutEntity writes an entity row without recording an outbox operation.
// Used for data pulled from the remote, which must not be echoed back.
func (s *Store) PutEntity(ctx context.Context, collection, key string, payload json.RawMessage) error {
	if collection == "" || key == "" {
		return fmt.Errorf("put entity: collection and key are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (collection, entity_key, payload, deleted, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(collection, entity_key) DO UPDATE SET
			payload = excluded.payload,
			deleted = 0,
			updated_at = excluded.updated_at
	`, collection, key, nullPayload(payload), toNanos(s.clock.Now()))
	return wrapErr("put entity", err)
}

// DeleteEntity removes an entity row, tombstone included, without recording
// an outbox operation.
func (s *Store) DeleteEntity(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE collection = ? AND entity_key = ?
	`, collection, key)
	return wrapErr("delete entity", err)
}

// withTx runs fn inside a transaction, mapping failures under op.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op+": commit", err)
	}
	return nil
}

func (s *Store) mutateTx(ctx context.Context, tx *sql.Tx, m ops.Mutation, at time.Time, originID string) (string, error) {
	now := toNanos(s.clock.Now())
	var err error
	if m.Action == ops.ActionDelete {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (collection, entity_key, payload, deleted, updated_at)
			VALUES (?, ?, NULL, 1, ?)
			ON CONFLICT(collection, entity_key) DO UPDATE SET
				payload = NULL,
				deleted = 1,
				updated_at = excluded.updated_at
		`, m.Collection, m.Key, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (collection, entity_key, payload, deleted, updated_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(collection, entity_key) DO UPDATE SET
				payload = excluded.payload,
				deleted = 0,
				updated_at = excluded.updated_at
		`, m.Collection, m.Key, nullPayload(m.Payload), now)
	}
	if err != nil {
		return "", wrapErr("mutate: write entity", err)
	}
	return s.appendTx(ctx, tx, m, at, originID)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, m ops.Mutation, at time.Time, originID string) (string, error) {
	var newest int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(created_at), 0) FROM operation_records
		WHERE collection = ? AND entity_key = ?
	`, m.Collection, m.Key).Scan(&newest)
	if err != nil {
		return "", wrapErr("append: newest record", err)
	}

	created := toNanos(at)
	if created <= newest {
		created = newest + 1
	}
	updated := toNanos(s.clock.Now())

	for range maxIDAttempts {
		id := ops.RecordID(m.Collection, m.Key, fromNanos(created))
		res, err := tx.ExecContext(ctx, `
			INSERT INTO operation_records
			(id, collection, entity_key, action, payload, created_at, status, updated_at, origin_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, m.Collection, m.Key, string(m.Action), nullPayload(m.Payload),
			created, string(ops.StatusPending), updated, originID)
		if err != nil {
			return "", wrapErr("append: insert", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return id, nil
		}
		created++
	}
	return "", fmt.Errorf("append: no free record id for %s", m.Entity())
}
