// Package harness runs fork and commit scenarios as executable contract
// tests.
//
// A scenario feeds a fixed list of records through a fork operator, lets
// every branch drain its queue, then replays a scripted sequence of branch
// completions and commits against the watermark tracker and manager. Every
// step is recorded in a trace that can be asserted on and compared against
// a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	operator: broadcast
//	props:
//	  fork.branches: "2"
//	records:
//	  - source: orders
//	    offset: 1
//	    record: { region: eu }
//	steps:
//	  - complete: { source: orders, offset: 1, branch: 0 }
//	  - complete_all: true
//	  - commit: true
//	assertions:
//	  - type: committed
//	    source: orders
//	    offset: 1
//	  - type: trace_count
//	    event: deliver
//	    count: 2
//
// # Assertion Types
//
//   - trace_contains: an event of the given type (and watermark, branch) exists
//   - trace_order: "type watermark" keys appear in the trace in this order
//   - trace_count: an event type appears exactly N times
//   - committed: the store holds this offset for the source (or none)
//   - committable: the tracker would commit this offset for the source
//
// # Deterministic Testing
//
// Routing events are recorded by the producer in stream order and deliveries
// are appended per branch after the fork finishes, so traces are identical
// across runs even though branches drain concurrently. Manager status uses
// testutil.DeterministicClock, and storage is in memory and isolated per run.
package harness
