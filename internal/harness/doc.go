// Package harness runs scripted editing sessions against a real Session.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: scrub_and_resume
//	description: "Scrubbing stops playback; play resumes from the scrub point"
//	documents:
//	  saved.mds:
//	    head: c
//	    past: [a, b]
//	flow:
//	  - op: load
//	    path: saved.mds
//	  - op: await
//	  - op: enter_replay
//	  - op: tick
//	    count: 2
//	  - op: scrub
//	    position: 0.5
//	    expect: ok
//	assertions:
//	  - type: trace_contains
//	    op: scrub
//	    outcome: ok
//	  - type: final_state
//	    mode: scrubbing
//	    cursor: 1
//	    history: [a, b, c]
//
// Documents are written into a fresh directory before the flow runs; every
// path in the scenario is relative to it. Snapshot texts become one-block
// raw content via snapshot.FromText.
//
// # Operations
//
//   - create, load, save: document lifecycle (path optional for save)
//   - edit: record text as a new snapshot
//   - await: wait for the last load to finish
//   - hold, release: keep a load's parse job from finishing until released
//   - enter_replay, interact, scrub, play: replay transitions
//   - tick: fire up to count pending replay frames
//
// Each step records a trace event with its outcome ("ok" or an error kind
// such as "empty_history" or "transition") and the status after it.
// Snapshots shown by the viewer are recorded as display events.
//
// # Assertion Types
//
//   - trace_contains: a step with op (and outcome, when given) ran
//   - trace_order: ops appear in this order
//   - trace_count: op ran exactly count times
//   - final_state: mode, cursor and history after the flow
//   - displayed: the viewer showed exactly these texts, in order
//   - journal: the autosave journal's view of a document
//
// # Deterministic Testing
//
// Scenarios run with fixed correlation ids, a manual replay scheduler and an
// in-memory journal, so traces are identical across runs and can be
// compared against golden files.
package harness
