// Package coordinator drains the outbox into the remote endpoint.
//
// A Coordinator is constructed once per process and owns all sync state:
// the current cycle, the follow-up scheduler and the last cycle result.
// Tests build isolated coordinators over their own store, endpoint and clock.
//
// # Drain Cycle
//
// Each DrainOnce call runs at most one cycle at a time (single-flight):
//
//  1. Reset InFlight records left by an interrupted cycle to Failed.
//  2. Promote pending offline actions, when a promoter is configured.
//  3. Claim a batch: at most one record per entity.
//  4. Mark stale records superseded by the claimed record of their entity.
//  5. Deliver claimed records in replay order, one call at a time, each
//     bounded by CallTimeout. Between calls the cycle stops if the monitor
//     has gone offline; undelivered records stay InFlight for step 1.
//  6. Purge old Succeeded records and publish the changed collections.
//  7. Schedule a follow-up cycle when more work is waiting.
//
// Per-record failures are recorded on the record and never abort the batch.
package coordinator
