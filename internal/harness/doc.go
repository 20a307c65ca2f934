// Package harness runs scripted control-plane scenarios against a fresh
// store and records a deterministic trace of what happened.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: exclusivity
//	description: "A second issue cannot enter an occupied class"
//	steps:
//	  - op: lawbook
//	    document: |
//	      lawbookId: default
//	      version: v1
//	      allowedActions: [merge_pr]
//	    activate: true
//	  - op: create
//	    issue: A
//	  - op: transition
//	    issue: A
//	    to: SPEC_READY
//	    expect: SPEC_READY
//	assertions:
//	  - type: issue_status
//	    issue: A
//	    status: SPEC_READY
//
// Every step produces one trace event whose Result is the new status, the
// decision reason or the error code of the operation. A step with an expect
// field fails the scenario when its Result differs.
//
// # Step Operations
//
//   - lawbook: publish document (YAML) and optionally activate it
//   - create: register issue
//   - transition: move issue to status, with reason and evidence (run, hash)
//   - handoff: record the external sync state of issue
//   - verdict: record a verification verdict for run
//   - evaluate: evaluate action on target; request names the request id
//   - approve: submit an approval for the fingerprint of request ref
//   - override: force-release an exclusivity class
//   - advance: move the scenario clock forward by duration
//
// # Assertion Types
//
//   - issue_status: issue is in status
//   - lease: class is held by issue, or free when issue is empty
//   - decision_count: the fingerprint of request has count decisions
//   - ledger_verified: every hash chain verifies
//
// # Deterministic Testing
//
// Scenarios run on a manual clock starting at testutil.Epoch and a
// sequential id generator, so traces are reproducible. Traces carry no
// hashes and express times as offsets from the scenario start, which makes
// them suitable for golden file comparison.
package harness
