// Package store provides the SQLite-backed outbox: the durable Operation
// Record table, the local entity table it is written alongside, and the
// promotion ledger used by the offline recorder.
//
// # Record Lifecycle
//
// Records are appended Pending and move through the status machine described
// in package ops. Every transition is a compare-and-set UPDATE guarded by the
// expected source status, so concurrent claimers can never both win.
//
// # Critical Patterns
//
// At most one InFlight record per entity:
//   - ClaimBatch skips any entity that already has an InFlight record
//   - Only the newest Pending/Failed record of an entity is claimed
//
// Deterministic ordering:
//   - Per-entity creation time is strictly increasing (bumped by 1ns on ties)
//   - All listings use ORDER BY created_at ASC, id COLLATE BINARY ASC
//
// Backoff:
//   - next_attempt_at gates ClaimBatch; MarkFailed sets it from policy.Retry
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Write transactions take the lock up front
package store
