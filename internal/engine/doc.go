// Package engine implements the lifecycle dispatcher.
//
// An Event (one batch of up to MaxBatchSize entities of one type under one
// insert, update or delete) is routed through a fixed sequence of stages:
//
//	BeforeValidate → BeforeMutate → Persist → AfterMutate → PostCommit
//
// BeforeValidate and BeforeMutate handlers run before anything is written;
// any error there, including an exhausted quota or a Reject, rolls back the
// whole unit of work. Persist applies the event's changes and commits them.
// AfterMutate handlers run after the commit, so their failure is reported
// with DispatchError.Committed set and does not undo the persisted changes.
// PostCommit never runs inline: registered tasks are submitted to the job
// orchestrator as fire-and-forget jobs.
//
// Before each stage the transaction's recursion guard is consulted. A stage
// whose (entity type, stage) count has reached the ceiling is skipped and
// logged with event=recursion_limit; this never fails the event.
//
// Handlers get a StageContext with immutable Old and New snapshots, a bulk
// pipeline charging the dispatch's sync quota, transition detection for
// updates, provisional job submission and nested dispatch.
package engine
