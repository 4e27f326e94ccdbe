// Package harness runs sync scenarios against the real engine.
//
// Each scenario executes in a fresh temp-dir SQLite store with a fake clock,
// a scripted endpoint and a connectivity monitor, so drains, retries and
// backoff are reproducible to the nanosecond.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	online: false
//	steps:
//	  - mutate: { collection: notes, key: n1, action: create, payload: '{"title":"a"}' }
//	  - advance: 1s
//	  - script: { entity: notes/n1, outcomes: [transient, ok] }
//	  - connectivity: online
//	  - drain: true
//	assertions:
//	  - type: call_count
//	    count: 1
//	  - type: call_order
//	    calls: ["tasks/t1 create", "notes/n1 delete"]
//	  - type: record_status
//	    entity: notes/n1
//	    index: 0
//	    status: succeeded
//	    attempt: 0
//
// Exactly one field is set per step. Script outcomes are ok, transient or
// permanent and are consumed one per call for the entity.
//
// # Assertion Types
//
//   - call_count: the endpoint received exactly count calls (optionally for one entity)
//   - call_order: the listed calls appear in the trace in this order
//   - record_status: the index-th record of an entity, in creation order,
//     has the given status and, when set, attempt count
//
// # Golden Traces
//
// RunWithGolden compares the full trace and final records against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
