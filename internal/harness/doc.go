// Package harness runs declarative scenarios against the dispatcher and the
// job orchestrator.
//
// A scenario seeds a backend, wires generic handlers from a small catalog
// to (entity type, stage) pairs, executes steps and checks assertions over
// the resulting trace and the final stored state.
//
// # Scenario Format
//
//	name: invoice_rollup
//	description: "Line item changes recompute the invoice total"
//	backend: memory            # or sqlite
//	config: |
//	  sync: queries: 20
//	seed:
//	  - entity: invoice
//	    id: inv-1
//	    fields: { total: 0 }
//	wiring:
//	  - entity: line_item
//	    stage: after_mutate
//	    handler: roll-up
//	    args: { parent: invoice, parent_type: invoice, field: amount, target: total }
//	  - entity: line_item
//	    stage: post_commit
//	    task: audit
//	steps:
//	  - dispatch:
//	      op: insert
//	      entity: line_item
//	      records:
//	        - id: li-1
//	          fields: { amount: 500 }
//	          parents: { invoice: inv-1 }
//	  - run_jobs: true
//	  - advance: 1h
//	assertions:
//	  - type: final_state
//	    entity: invoice
//	    id: inv-1
//	    expect: { total: 500 }
//
// # Handler Catalog
//
//   - require-field (before_validate): rejects records missing args.field
//   - set-field (before_mutate): sets args.field to args.value
//   - roll-up (after_mutate): recomputes a parent total from its children
//   - re-enter (after_mutate): updates the same entities again, exercising
//     the recursion guard
//   - notify: submits a fire-and-forget args.task
//   - chain: submits a chainable job of args.links links
//   - batch-sum: submits a chunked batch summing args.field over args.entity
//   - burn-cpu: advances the scenario clock by args.millis
//   - fail: returns args.message as an error
//
// # Deterministic Testing
//
// Every run uses a manual clock starting at testutil.Epoch, sequential IDs,
// no submission rate limit and no retry backoff. Jobs only run in run_jobs
// and advance steps, on the calling goroutine, so traces are reproducible
// and can be compared with golden files (see RunWithGolden).
package harness
