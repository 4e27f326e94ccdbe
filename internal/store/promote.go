package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/outboxd/internal/ops"
)

// Promote converts an offline action into an outbox record.
//
// The promotions ledger is checked and written in the same transaction as
// the append, so promoting an action twice yields the record ID of the first
// promotion with promoted=false rather than a second record.
func (s *Store) Promote(ctx context.Context, a ops.OfflineAction) (recordID string, promoted bool, err error) {
	if a.ID == "" {
		return "", false, fmt.Errorf("promote: action id is required")
	}
	m := a.Mutation()
	if err := m.Validate(); err != nil {
		return "", false, fmt.Errorf("promote %s: %w", a.ID, err)
	}

	err = s.withTx(ctx, "promote", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT record_id FROM promotions WHERE action_id = ?
		`, a.ID).Scan(&recordID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return wrapErr("promote: check ledger", err)
		}

		at := a.CapturedAt
		if at.IsZero() {
			at = s.clock.Now()
		}
		recordID, err = s.mutateTx(ctx, tx, m, at, a.ID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO promotions (action_id, record_id, promoted_at) VALUES (?, ?, ?)
		`, a.ID, recordID, toNanos(s.clock.Now()))
		if err != nil {
			return wrapErr("promote: write ledger", err)
		}
		promoted = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return recordID, promoted, nil
}

// PromotedRecord returns the record ID an action was promoted to, if any.
func (s *Store) PromotedRecord(ctx context.Context, actionID string) (string, bool, error) {
	var recordID string
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id FROM promotions WHERE action_id = ?
	`, actionID).Scan(&recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("promoted record", err)
	}
	return recordID, true, nil
}
