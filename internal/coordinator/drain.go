package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/policy"
	"github.com/roach88/outboxd/internal/remote"
	"github.com/roach88/outboxd/internal/store"
)

const drainKey = "drain"

// DrainOnce runs one drain cycle and returns its report.
//
// While offline it returns an idle cycle without touching the store or the
// endpoint. Concurrent callers share the cycle already running; ctx only
// bounds how long this caller waits for it.
func (c *Coordinator) DrainOnce(ctx context.Context) (Cycle, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Cycle{}, ErrClosed
	}
	if !c.conn.IsOnline() {
		return Cycle{State: StateIdle}, nil
	}

	ch := c.flights.DoChan(drainKey, func() (any, error) {
		return c.drain()
	})
	select {
	case <-ctx.Done():
		return Cycle{}, ctx.Err()
	case res := <-ch:
		cyc, _ := res.Val.(Cycle)
		return cyc, res.Err
	}
}

func (c *Coordinator) drain() (cyc Cycle, err error) {
	cycleCtx, cancel := context.WithCancel(c.baseCtx)
	defer cancel()
	// Record transitions complete even when the cycle is interrupted.
	storeCtx := context.WithoutCancel(cycleCtx)

	c.mu.Lock()
	c.state = StateDraining
	c.cancelCycle = cancel
	c.mu.Unlock()

	cyc.StartedAt = c.clock.Now()
	defer func() {
		cyc.FinishedAt = c.clock.Now()
		if err != nil {
			cyc.State = StatePartialFailure
		}
		c.mu.Lock()
		c.state = cyc.State
		c.cancelCycle = nil
		c.last = cyc
		c.lastErr = err
		c.mu.Unlock()
	}()

	recovered, err := c.outbox.RecoverInFlight(storeCtx, c.owner)
	if err != nil {
		return cyc, fmt.Errorf("drain: %w", err)
	}
	cyc.Recovered = recovered
	if recovered > 0 {
		slog.Info("recovered interrupted records", "count", recovered, "event", "recovered")
	}

	if c.promoter != nil {
		res, err := c.promoter.PromotePending(storeCtx)
		cyc.Promoted = res.Promoted
		if err != nil {
			slog.Warn("offline promotion incomplete", "remaining", res.Remaining, "error", err)
		}
	}

	if c.halted(cycleCtx) {
		cyc.State = StateIdle
		cyc.Interrupted = true
		return cyc, nil
	}

	batch, err := c.outbox.ClaimBatch(storeCtx, store.ClaimOptions{
		MaxSize:    c.cfg.BatchSize,
		MaxAttempt: c.cfg.MaxRetries,
		Owner:      c.owner,
		Lease:      c.cfg.lease(),
	})
	if err != nil {
		return cyc, fmt.Errorf("drain: %w", err)
	}
	cyc.Claimed = len(batch.Claimed)

	if batch.Empty() {
		cyc.State = StateIdle
		c.planFollowUp(storeCtx, &cyc)
		return cyc, nil
	}

	changed := make(map[string]struct{})
	res := policy.Resolve(batch.Claimed, batch.Stale)

	for _, dup := range res.Duplicates {
		cyc.Violations++
		slog.Error("duplicate in-flight record for entity",
			"record_id", dup.ID, "entity", dup.Entity().String(), "event", "concurrency_violation")
		if err := c.outbox.Hold(storeCtx, dup.ID, "concurrency violation: entity already in flight"); err != nil {
			slog.Error("hold failed", "record_id", dup.ID, "error", err)
		}
	}

	for _, stale := range batch.Stale {
		byID, ok := res.Superseded[stale.ID]
		if !ok {
			continue
		}
		if err := c.outbox.MarkSuperseded(storeCtx, stale.ID, byID); err != nil {
			slog.Warn("mark superseded failed", "record_id", stale.ID, "by", byID, "error", err)
			continue
		}
		cyc.Superseded++
		changed[stale.Collection] = struct{}{}
		slog.Debug("record superseded", "record_id", stale.ID, "by", byID)
	}

	for i, rec := range res.Deliver {
		if c.halted(cycleCtx) {
			cyc.Interrupted = true
			cyc.Deferred = len(res.Deliver) - i
			slog.Info("drain interrupted", "deferred", cyc.Deferred, "event", "cycle_interrupted")
			break
		}
		callErr := c.deliver(cycleCtx, rec)
		if c.settle(storeCtx, rec, callErr, &cyc) {
			changed[rec.Collection] = struct{}{}
		}
	}

	c.purge(storeCtx)

	for coll := range changed {
		cyc.Collections = append(cyc.Collections, coll)
	}
	slices.Sort(cyc.Collections)
	if len(cyc.Collections) > 0 && c.publisher != nil {
		c.publisher.Publish(cyc.Collections)
	}

	cyc.State = StateSucceeded
	if cyc.Failed > 0 || cyc.DeadLettered > 0 || cyc.Violations > 0 {
		cyc.State = StatePartialFailure
	}
	slog.Info("drain cycle complete",
		"state", cyc.State, "claimed", cyc.Claimed, "delivered", cyc.Delivered,
		"superseded", cyc.Superseded, "failed", cyc.Failed, "dead_lettered", cyc.DeadLettered,
		"deferred", cyc.Deferred, "event", "cycle_complete")

	if !cyc.Interrupted {
		c.planFollowUp(storeCtx, &cyc)
	}
	return cyc, nil
}

// halted reports whether delivery must stop: the cycle was cancelled or
// the monitor has gone offline.
func (c *Coordinator) halted(ctx context.Context) bool {
	return ctx.Err() != nil || !c.conn.IsOnline()
}

// deliver sends one record, bounded by CallTimeout. An endpoint that hangs
// past the timeout or panics yields a transient error.
func (c *Coordinator) deliver(ctx context.Context, rec ops.Record) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("endpoint panicked", "record_id", rec.ID, "panic", r)
				done <- ops.NewTransient(fmt.Sprintf("endpoint panicked: %v", r), nil)
			}
		}()
		_, err := c.endpoint.Apply(callCtx, remote.FromRecord(rec))
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return ops.NewTransient(fmt.Sprintf("remote call timed out after %s", c.cfg.CallTimeout), callCtx.Err())
	}
}

// settle records the outcome of one delivery and reports whether the record
// reached Succeeded.
func (c *Coordinator) settle(ctx context.Context, rec ops.Record, callErr error, cyc *Cycle) bool {
	if callErr == nil {
		if err := c.outbox.MarkSucceeded(ctx, rec.ID); err != nil {
			c.transitionRefused(ctx, rec, "mark succeeded", err, cyc)
			return false
		}
		cyc.Delivered++
		return true
	}

	if policy.IsRetryable(callErr) {
		status, err := c.outbox.MarkFailed(ctx, rec.ID, callErr)
		if err != nil {
			c.transitionRefused(ctx, rec, "mark failed", err, cyc)
			return false
		}
		if status == ops.StatusDeadLettered {
			cyc.DeadLettered++
			slog.Warn("record dead-lettered after retries",
				"record_id", rec.ID, "attempt", rec.Attempt+1, "error", callErr, "event", "dead_lettered")
			return false
		}
		cyc.Failed++
		slog.Info("delivery failed, will retry", "record_id", rec.ID, "attempt", rec.Attempt+1, "error", callErr)
		return false
	}

	if err := c.outbox.MarkRejected(ctx, rec.ID, callErr); err != nil {
		c.transitionRefused(ctx, rec, "mark rejected", err, cyc)
		return false
	}
	cyc.DeadLettered++
	slog.Warn("record rejected by remote",
		"record_id", rec.ID, "error", callErr, "event", "dead_lettered")
	return false
}

// transitionRefused handles a status transition the store refused. A concurrency
// violation means the record left InFlight under this cycle; it is counted,
// and held for an operator if it is still InFlight.
func (c *Coordinator) transitionRefused(ctx context.Context, rec ops.Record, op string, err error, cyc *Cycle) {
	if !ops.IsConcurrencyViolation(err) {
		slog.Error(op+" failed", "record_id", rec.ID, "error", err)
		return
	}
	cyc.Violations++
	slog.Error("record changed under delivery",
		"record_id", rec.ID, "entity", rec.Entity().String(), "op", op, "error", err,
		"event", "concurrency_violation")
	herr := c.outbox.Hold(ctx, rec.ID, "concurrency violation: "+op)
	if herr != nil && !ops.IsConcurrencyViolation(herr) {
		slog.Error("hold failed", "record_id", rec.ID, "error", herr)
	}
}

func (c *Coordinator) purge(ctx context.Context) {
	if c.cfg.Retention < 0 {
		return
	}
	olderThan := c.clock.Now().Add(-c.cfg.Retention)
	if c.cfg.Retention == 0 {
		olderThan = c.clock.Now().Add(time.Nanosecond)
	}
	n, err := c.outbox.PurgeSucceeded(ctx, olderThan)
	if err != nil {
		slog.Warn("purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("purged succeeded records", "count", n)
	}
}

// planFollowUp schedules the next cycle when waiting records remain, no
// sooner than CycleDelay from now.
func (c *Coordinator) planFollowUp(ctx context.Context, cyc *Cycle) {
	if !c.conn.IsOnline() {
		return
	}
	next, ok, err := c.outbox.NextEligibleAt(ctx, c.cfg.MaxRetries)
	if err != nil {
		slog.Warn("next eligible lookup failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if earliest := c.clock.Now().Add(c.cfg.CycleDelay); next.Before(earliest) {
		next = earliest
	}
	cyc.NextAt = next
	c.sched.at(next, 0)
}
