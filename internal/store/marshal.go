package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/outboxd/internal/ops"
)

// recordColumns is the canonical column list for scanRecord.
const recordColumns = `id, collection, entity_key, action, payload, created_at, attempt, status,
	last_error, last_attempt_at, next_attempt_at, updated_at, hold, superseded_by, origin_id`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ops.Record, error) {
	var (
		rec                                 ops.Record
		action, status                      string
		payload                             []byte
		created, lastAttempt, next, updated int64
		hold                                int
	)
	err := row.Scan(
		&rec.ID, &rec.Collection, &rec.EntityKey, &action, &payload, &created,
		&rec.Attempt, &status, &rec.LastError, &lastAttempt, &next, &updated,
		&hold, &rec.SupersededBy, &rec.OriginID,
	)
	if err != nil {
		return ops.Record{}, err
	}
	rec.Action = ops.Action(action)
	rec.Status = ops.Status(status)
	if len(payload) > 0 {
		rec.Payload = payload
	}
	rec.CreatedAt = fromNanos(created)
	rec.LastAttemptAt = fromNanos(lastAttempt)
	rec.NextAttemptAt = fromNanos(next)
	rec.UpdatedAt = fromNanos(updated)
	rec.Held = hold != 0
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]ops.Record, error) {
	defer rows.Close()
	records := []ops.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// nullPayload stores an empty payload as NULL.
func nullPayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return p
}

// wrapErr prefixes err with op, classifying write-blocking SQLite failures
// as STORAGE_UNAVAILABLE.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return ops.NewStorageUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrFull,
			sqlite3.ErrReadonly, sqlite3.ErrIoErr, sqlite3.ErrCantOpen,
			sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return true
		}
	}
	// database/sql does not export its closed-database error.
	return strings.Contains(err.Error(), "database is closed")
}
