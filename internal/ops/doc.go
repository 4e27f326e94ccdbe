// Package ops defines the durable units of work of the local-first outbox.
//
// An OperationRecord (Record) captures one local mutation that still has to
// be applied to the remote endpoint. An OfflineAction is a staging record
// for intents captured while the record store could not accept writes.
//
// # Identity
//
// Record IDs are human-diagnosable: "<collection>/<entityKey>@<createdAt
// unix nanos>", e.g. "task/42@1704067200000000000". The store guarantees
// that, per entity, createdAt is strictly increasing in append order.
//
// # Status lifecycle
//
//	Pending ──claim──▶ InFlight ──ok──────▶ Succeeded
//	   ▲                  │
//	   │                  ├─transient──▶ Failed ──claim──▶ InFlight ...
//	   │                  └─permanent / attempt >= max ──▶ DeadLettered
//	   └────────────── requeue (operator) ◀──────────────────┘
//
// Older non-terminal records for an entity are marked Succeeded without a
// remote call once a newer record for the same entity is claimed
// (last-writer-wins).
//
// # Errors
//
// All sync errors are *Error values carrying an ErrorCode. Use errors.Is
// with the Err* sentinels or the Is* helpers; both see through wrapping.
package ops
