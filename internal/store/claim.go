package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/policy"
)

// ClaimOptions bounds a claim.
type ClaimOptions struct {
	// MaxSize is the maximum number of records (and therefore entities) claimed.
	MaxSize int
	// MaxAttempt excludes records whose attempt count has reached it.
	MaxAttempt int
	// Owner identifies the claiming worker. RecoverInFlight only takes back
	// records claimed by the same owner or whose lease has run out.
	Owner string
	// Lease is how long other workers leave the claimed records alone.
	// Zero leaves them recoverable by anyone at once.
	Lease time.Duration
}

// Batch is the result of ClaimBatch.
type Batch struct {
	// Claimed records are now InFlight, at most one per entity, in replay order.
	Claimed []ops.Record
	// Stale holds the older Pending/Failed records of each claimed entity.
	// They are left untouched for the caller to supersede.
	Stale []ops.Record
}

// Empty reports whether nothing was claimed.
func (b Batch) Empty() bool {
	return len(b.Claimed) == 0
}

// ClaimBatch atomically moves up to MaxSize eligible records to InFlight.
//
// Per entity, only the newest Pending/Failed record is a candidate, and only
// when the entity has no InFlight record, the candidate's attempt is below
// MaxAttempt, and its backoff has elapsed. Entities are served oldest-first
// by their oldest waiting record.
func (s *Store) ClaimBatch(ctx context.Context, opts ClaimOptions) (Batch, error) {
	if opts.MaxSize <= 0 {
		return Batch{}, fmt.Errorf("claim batch: max size must be positive, got %d", opts.MaxSize)
	}

	var batch Batch
	err := s.withTx(ctx, "claim batch", func(tx *sql.Tx) error {
		now := toNanos(s.clock.Now())

		rows, err := tx.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM operation_records r
			WHERE r.status IN ('pending', 'failed')
			  AND r.attempt < ?
			  AND r.next_attempt_at <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM operation_records f
				WHERE f.collection = r.collection AND f.entity_key = r.entity_key
				  AND f.status = 'in_flight')
			  AND NOT EXISTS (
				SELECT 1 FROM operation_records n
				WHERE n.collection = r.collection AND n.entity_key = r.entity_key
				  AND n.status IN ('pending', 'failed')
				  AND (n.created_at > r.created_at OR (n.created_at = r.created_at AND n.id > r.id)))
			ORDER BY (
				SELECT MIN(o.created_at) FROM operation_records o
				WHERE o.collection = r.collection AND o.entity_key = r.entity_key
				  AND o.status IN ('pending', 'failed')) ASC,
				r.id COLLATE BINARY ASC
			LIMIT ?
		`, opts.MaxAttempt, now, opts.MaxSize)
		if err != nil {
			return wrapErr("claim batch: select", err)
		}
		heads, err := scanRecords(rows)
		if err != nil {
			return wrapErr("claim batch", err)
		}

		leaseUntil := toNanos(s.clock.Now().Add(opts.Lease))
		for _, head := range heads {
			res, err := tx.ExecContext(ctx, `
				UPDATE operation_records
				SET status = 'in_flight', claimed_by = ?, lease_until = ?, updated_at = ?
				WHERE id = ? AND status IN ('pending', 'failed')
			`, opts.Owner, leaseUntil, now, head.ID)
			if err != nil {
				return wrapErr("claim batch: update", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			head.Status = ops.StatusInFlight
			head.UpdatedAt = fromNanos(now)
			batch.Claimed = append(batch.Claimed, head)

			rows, err := tx.QueryContext(ctx, `
				SELECT `+recordColumns+` FROM operation_records
				WHERE collection = ? AND entity_key = ? AND id != ?
				  AND status IN ('pending', 'failed')
				ORDER BY created_at ASC, id COLLATE BINARY ASC
			`, head.Collection, head.EntityKey, head.ID)
			if err != nil {
				return wrapErr("claim batch: stale", err)
			}
			stale, err := scanRecords(rows)
			if err != nil {
				return wrapErr("claim batch", err)
			}
			batch.Stale = append(batch.Stale, stale...)
		}
		policy.Sort(batch.Claimed)
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// NextEligibleAt returns the earliest time a waiting record becomes
// claimable, ignoring entities blocked by an InFlight record. Only the
// newest waiting record of each entity counts, as ClaimBatch only claims
// that one. ok is false when nothing is waiting.
func (s *Store) NextEligibleAt(ctx context.Context, maxAttempt int) (at time.Time, ok bool, err error) {
	var next sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(r.next_attempt_at) FROM operation_records r
		WHERE r.status IN ('pending', 'failed')
		  AND r.attempt < ?
		  AND NOT EXISTS (
			SELECT 1 FROM operation_records f
			WHERE f.collection = r.collection AND f.entity_key = r.entity_key
			  AND f.status = 'in_flight')
		  AND NOT EXISTS (
			SELECT 1 FROM operation_records n
			WHERE n.collection = r.collection AND n.entity_key = r.entity_key
			  AND n.status IN ('pending', 'failed')
			  AND (n.created_at > r.created_at OR (n.created_at = r.created_at AND n.id > r.id)))
	`, maxAttempt).Scan(&next)
	if err != nil {
		return time.Time{}, false, wrapErr("next eligible", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	if next.Int64 == 0 {
		// Never attempted: eligible immediately.
		return s.clock.Now(), true, nil
	}
	return fromNanos(next.Int64), true, nil
}
