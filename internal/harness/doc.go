// Package harness runs tagging scenarios against a fully wired system and
// checks the observable outcome.
//
// A scenario loads CUE tag definitions and a set of resource fixtures,
// drives the reconciliation and policy engines through a list of steps and
// asserts on the resulting trace and final state.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: complete_tagging
//	description: "Completed resources join the tag"
//	defs: |
//	  tag: done: {
//	    constraint: "isComplete()"
//	    auto_add:    true
//	    auto_remove: true
//	  }
//	resources:
//	  - id: r1
//	    complete: true
//	steps:
//	  - invoke: startup
//	  - invoke: update
//	    args: { resource: r1, complete: false }
//	assertions:
//	  - type: members
//	    tag: done
//	    members: [r1]
//
// defs_dir may replace defs to load every .cue file in a directory.
//
// # Assertion Types
//
//   - trace_contains: an event with the action (and resource/tag/arg) occurred
//   - trace_order: the first occurrences of actions appear in order
//   - trace_count: an action occurred exactly N times
//   - members, persisted_members: a tag's final (or stored) member set
//   - resource_state: a resource's final run state
//   - tag_status: a tag's status text
//   - converged: membership agrees with every auto-managed constraint
//
// # Deterministic Testing
//
// Every run uses a fake clock starting at testutil.Epoch, fixed pass and
// action ids, and an in-memory SQLite store. The harness settles queued
// work after each step and sorts concurrent effects by resource, so traces
// can be compared against golden snapshots in testdata/golden.
package harness
