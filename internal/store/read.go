package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/roach88/outboxd/internal/ops"
)

// Entity is a row of the local entity table.
type Entity struct {
	Collection string
	Key        string
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (ops.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM operation_records WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.Record{}, ops.NewNotFound(id)
	}
	if err != nil {
		return ops.Record{}, wrapErr("get record", err)
	}
	return rec, nil
}

// List returns records in any of the given statuses, or all records when
// none are given, ordered by createdAt then ID.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) List(ctx context.Context, statuses ...ops.Status) ([]ops.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM operation_records`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list records", err)
	}
	return scanRecords(rows)
}

// ListDeadLettered returns every DeadLettered record.
func (s *Store) ListDeadLettered(ctx context.Context) ([]ops.Record, error) {
	return s.List(ctx, ops.StatusDeadLettered)
}

// ListEntity returns every record for one entity in creation order.
func (s *Store) ListEntity(ctx context.Context, ref ops.EntityRef) ([]ops.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM operation_records
		WHERE collection = ? AND entity_key = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, ref.Collection, ref.Key)
	if err != nil {
		return nil, wrapErr("list entity records", err)
	}
	return scanRecords(rows)
}

// CountByStatus returns the number of records per status. Every status is
// present in the map.
func (s *Store) CountByStatus(ctx context.Context) (map[ops.Status]int, error) {
	counts := make(map[ops.Status]int, len(ops.AllStatuses))
	for _, st := range ops.AllStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM operation_records GROUP BY status
	`)
	if err != nil {
		return nil, wrapErr("count by status", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("count by status: scan", err)
		}
		counts[ops.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("count by status: iterate", err)
	}
	return counts, nil
}

// PendingCount returns the number of records not yet confirmed or
// dead-lettered: Pending, InFlight and Failed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operation_records
		WHERE status IN ('pending', 'in_flight', 'failed')
	`).Scan(&n)
	if err != nil {
		return 0, wrapErr("pending count", err)
	}
	return n, nil
}

// DeadLetterCount returns the number of DeadLettered records.
func (s *Store) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operation_records WHERE status = 'dead_lettered'
	`).Scan(&n)
	if err != nil {
		return 0, wrapErr("dead letter count", err)
	}
	return n, nil
}

// GetEntity returns a live entity. Tombstoned entities are NOT_FOUND.
func (s *Store) GetEntity(ctx context.Context, collection, key string) (Entity, error) {
	var (
		payload []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM entities
		WHERE collection = ? AND entity_key = ? AND deleted = 0
	`, collection, key).Scan(&payload, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ops.NewNotFound(ops.EntityRef{Collection: collection, Key: key}.String())
	}
	if err != nil {
		return Entity{}, wrapErr("get entity", err)
	}
	return Entity{Collection: collection, Key: key, Payload: payload, UpdatedAt: fromNanos(updated)}, nil
}

// QueryEntities returns the live entities of a collection accepted by match,
// ordered by key. A nil match accepts everything.
func (s *Store) QueryEntities(ctx context.Context, collection string, match func(Entity) bool) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key, payload, updated_at FROM entities
		WHERE collection = ? AND deleted = 0
		ORDER BY entity_key COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, wrapErr("query entities", err)
	}
	defer rows.Close()

	entities := []Entity{}
	for rows.Next() {
		var (
			e       = Entity{Collection: collection}
			payload []byte
			updated int64
		)
		if err := rows.Scan(&e.Key, &payload, &updated); err != nil {
			return nil, wrapErr("query entities: scan", err)
		}
		e.Payload = payload
		e.UpdatedAt = fromNanos(updated)
		if match == nil || match(e) {
			entities = append(entities, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query entities: iterate", err)
	}
	return entities, nil
}
