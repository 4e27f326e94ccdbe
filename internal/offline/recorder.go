// Package offline stages mutations that could not be appended to the outbox
// and promotes them into outbox records once the store accepts writes again.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/outboxd/internal/clock"
	"github.com/roach88/outboxd/internal/ops"
)

// Promoter converts an offline action into an outbox record. Promoting an
// already promoted action returns the original record ID with promoted=false.
type Promoter interface {
	Promote(ctx context.Context, a ops.OfflineAction) (recordID string, promoted bool, err error)
}

// Recorder captures offline actions to a spool and promotes them.
type Recorder struct {
	spool  *Spool
	target Promoter
	clock  clock.Clock
	ids    IDGenerator
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock used for capture and promotion timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithIDGenerator sets the action ID source.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Recorder) { r.ids = g }
}

// NewRecorder creates a recorder over spool. target may be nil until the
// store is open; PromotePending fails until SetTarget is called.
func NewRecorder(spool *Spool, target Promoter, opts ...Option) *Recorder {
	r := &Recorder{
		spool:  spool,
		target: target,
		clock:  clock.NewReal(),
		ids:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTarget sets the store actions are promoted into.
func (r *Recorder) SetTarget(target Promoter) {
	r.target = target
}

// Capture durably stages a mutation intent.
func (r *Recorder) Capture(ctx context.Context, action ops.Action, intent json.RawMessage, collection, key string) (ops.OfflineAction, error) {
	if err := ctx.Err(); err != nil {
		return ops.OfflineAction{}, err
	}
	a := ops.OfflineAction{
		ID:               r.ids.Generate(),
		ActionType:       action,
		SerializedIntent: intent,
		TargetCollection: collection,
		TargetKey:        key,
		CapturedAt:       r.clock.Now(),
	}
	if err := a.Mutation().Validate(); err != nil {
		return ops.OfflineAction{}, fmt.Errorf("capture: %w", err)
	}
	if err := r.spool.Append(a); err != nil {
		return ops.OfflineAction{}, fmt.Errorf("capture: %w", err)
	}
	slog.Info("offline action captured",
		"action_id", a.ID, "collection", collection, "key", key, "action", action,
		"event", "offline_capture")
	return a, nil
}

// Pending returns un-promoted actions in capture order.
func (r *Recorder) Pending() ([]ops.OfflineAction, error) {
	all, err := r.spool.Load()
	if err != nil {
		return nil, err
	}
	pending := make([]ops.OfflineAction, 0, len(all))
	for _, a := range all {
		if !a.Promoted() {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// PromoteResult summarizes one PromotePending pass.
type PromoteResult struct {
	// Promoted counts actions that became new outbox records.
	Promoted int `json:"promoted"`
	// AlreadyPromoted counts actions the store had promoted before, whose
	// spool mark had not been written.
	AlreadyPromoted int `json:"already_promoted"`
	// Remaining counts actions left for the next pass.
	Remaining int `json:"remaining"`
}

// PromotePending converts every un-promoted action into an outbox record,
// in capture order, and marks it promoted in the spool. An action that
// fails stays un-promoted; a STORAGE_UNAVAILABLE failure ends the pass.
//
// Promotion is idempotent: the store's promotion ledger is consulted in the
// same transaction as the append, so a crash between the append and the
// spool rewrite never yields a second record.
func (r *Recorder) PromotePending(ctx context.Context) (PromoteResult, error) {
	var res PromoteResult
	if r.target == nil {
		return res, ops.NewStorageUnavailable("promote pending: no store", nil)
	}

	pending, err := r.Pending()
	if err != nil {
		return res, fmt.Errorf("promote pending: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	marks := make(map[string]ops.OfflineAction, len(pending))
	var firstErr error
	for i, a := range pending {
		if err := ctx.Err(); err != nil {
			res.Remaining += len(pending) - i
			firstErr = err
			break
		}
		recordID, promoted, err := r.target.Promote(ctx, a)
		if err != nil {
			slog.Warn("offline action promotion failed", "action_id", a.ID, "error", err)
			res.Remaining++
			if firstErr == nil {
				firstErr = err
			}
			if ops.IsStorageUnavailable(err) {
				res.Remaining += len(pending) - i - 1
				break
			}
			continue
		}
		now := r.clock.Now()
		a.PromotedAt = &now
		a.RecordID = recordID
		marks[a.ID] = a
		if promoted {
			res.Promoted++
		} else {
			res.AlreadyPromoted++
		}
	}

	if len(marks) > 0 {
		err := r.spool.Update(func(actions []ops.OfflineAction) ([]ops.OfflineAction, bool) {
			changed := false
			for i, a := range actions {
				if m, ok := marks[a.ID]; ok && !a.Promoted() {
					actions[i] = m
					changed = true
				}
			}
			return actions, changed
		})
		if err != nil {
			return res, fmt.Errorf("promote pending: mark spool: %w", err)
		}
		slog.Info("offline actions promoted",
			"promoted", res.Promoted, "already_promoted", res.AlreadyPromoted,
			"remaining", res.Remaining, "event", "offline_promote")
	}

	if firstErr != nil {
		return res, fmt.Errorf("promote pending: %w", firstErr)
	}
	return res, nil
}

// Compact drops promoted actions from the spool and returns how many were
// removed.
func (r *Recorder) Compact() (int, error) {
	removed := 0
	err := r.spool.Update(func(actions []ops.OfflineAction) ([]ops.OfflineAction, bool) {
		kept := slices.DeleteFunc(actions, func(a ops.OfflineAction) bool { return a.Promoted() })
		removed = len(actions) - len(kept)
		return kept, removed > 0
	})
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return removed, nil
}
