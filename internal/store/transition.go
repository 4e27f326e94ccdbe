package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/outboxd/internal/ops"
)

// recoveredError is recorded on records reset by RecoverInFlight.
const recoveredError = "interrupted: reclaimed by recovery pass"

// MarkSucceeded records a successful delivery of an InFlight record.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	now := toNanos(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_records
		SET status = 'succeeded', attempt = attempt + 1, last_error = '',
		    last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_flight'
	`, now, now, id)
	if err != nil {
		return wrapErr("mark succeeded", err)
	}
	return s.expectOne(ctx, res, id, "mark succeeded")
}

// MarkFailed records a failed delivery of an InFlight record and returns the
// resulting status. The attempt count is incremented; once it reaches the
// retry ceiling the record is DeadLettered, otherwise it becomes Failed and
// is held back from ClaimBatch for the backoff of its new attempt count.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (ops.Status, error) {
	var status ops.Status
	err := s.withTx(ctx, "mark failed", func(tx *sql.Tx) error {
		var attempt int
		var current string
		err := tx.QueryRowContext(ctx, `
			SELECT attempt, status FROM operation_records WHERE id = ?
		`, id).Scan(&attempt, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return ops.NewNotFound(id)
		}
		if err != nil {
			return wrapErr("mark failed: read", err)
		}
		if ops.Status(current) != ops.StatusInFlight {
			return ops.NewConcurrencyViolation(id, fmt.Sprintf("mark failed: record is %s, not in_flight", current))
		}

		now := s.clock.Now()
		attempt++
		status = ops.StatusFailed
		next := now.Add(s.retry.Backoff(attempt))
		if s.retry.Exhausted(attempt) {
			status = ops.StatusDeadLettered
			next = time.Time{}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE operation_records
			SET status = ?, attempt = ?, last_error = ?, last_attempt_at = ?,
			    next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND status = 'in_flight'
		`, string(status), attempt, errorText(cause), toNanos(now), toNanos(next), toNanos(now), id)
		if err != nil {
			return wrapErr("mark failed: update", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// MarkRejected dead-letters an InFlight record after a permanent delivery
// error by raising its attempt count to the retry ceiling.
func (s *Store) MarkRejected(ctx context.Context, id string, cause error) error {
	now := toNanos(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_records
		SET status = 'dead_lettered', attempt = MAX(attempt + 1, ?), last_error = ?,
		    last_attempt_at = ?, next_attempt_at = 0, updated_at = ?
		WHERE id = ? AND status = 'in_flight'
	`, s.retry.MaxRetries, errorText(cause), now, now, id)
	if err != nil {
		return wrapErr("mark rejected", err)
	}
	return s.expectOne(ctx, res, id, "mark rejected")
}

// MarkSuperseded completes a waiting record without delivery because byID,
// a newer record for the same entity, carries its effect.
func (s *Store) MarkSuperseded(ctx context.Context, id, byID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_records
		SET status = 'succeeded', superseded_by = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')
	`, byID, toNanos(s.clock.Now()), id)
	if err != nil {
		return wrapErr("mark superseded", err)
	}
	return s.expectOne(ctx, res, id, "mark superseded")
}

// RecoverInFlight resets InFlight records left by an interrupted cycle to
// Failed, immediately eligible, without touching their attempt count.
// Only records claimed by owner, or whose claim lease has expired, are
// reset: another worker may still be delivering the rest. Held records stay
// InFlight. Returns the number of records reset.
func (s *Store) RecoverInFlight(ctx context.Context, owner string) (int, error) {
	now := toNanos(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_records
		SET status = 'failed', last_error = ?, next_attempt_at = ?, claimed_by = '',
		    lease_until = 0, updated_at = ?
		WHERE status = 'in_flight' AND hold = 0
		  AND (claimed_by = ? OR lease_until <= ?)
	`, recoveredError, now, now, owner, now)
	if err != nil {
		return 0, wrapErr("recover in flight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("recover in flight", err)
	}
	return int(n), nil
}

// Hold quarantines an InFlight record so recovery leaves it for an operator.
func (s *Store) Hold(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_records SET hold = 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'in_flight'
	`, reason, toNanos(s.clock.Now()), id)
	if err != nil {
		return wrapErr("hold", err)
	}
	return s.expectOne(ctx, res, id, "hold")
}

// Requeue resets a DeadLettered or held record to Pending with attempt 0.
// This is the only operation that lowers a record's attempt count.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_records
		SET status = 'pending', attempt = 0, hold = 0, last_error = '',
		    next_attempt_at = 0, updated_at = ?
		WHERE id = ? AND (status = 'dead_lettered' OR (status = 'in_flight' AND hold = 1))
	`, toNanos(s.clock.Now()), id)
	if err != nil {
		return wrapErr("requeue", err)
	}
	return s.expectOne(ctx, res, id, "requeue")
}

// PurgeSucceeded deletes Succeeded records last updated before olderThan.
func (s *Store) PurgeSucceeded(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operation_records WHERE status = 'succeeded' AND updated_at < ?
	`, toNanos(olderThan))
	if err != nil {
		return 0, wrapErr("purge succeeded", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("purge succeeded", err)
	}
	return n, nil
}

// expectOne turns a compare-and-set that matched no row into NOT_FOUND or
// CONCURRENCY_VIOLATION.
func (s *Store) expectOne(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 1 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM operation_records WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ops.NewNotFound(id)
	}
	if err != nil {
		return wrapErr(op, err)
	}
	return ops.NewConcurrencyViolation(id, fmt.Sprintf("%s: record is %s", op, status))
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
