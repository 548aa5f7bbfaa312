// Package jobs runs asynchronous work outside the synchronous dispatch
// path.
//
// Four strategies are supported, each a Spec variant:
//
//   - Task: fire-and-forget, a registered function invoked once with a
//     payload of primitive values.
//   - Chain: a chainable job carrying one stateful Queueable that may
//     enqueue a single successor when it completes.
//   - Batch: a chunked batch. Start yields a query, Execute runs once per
//     chunk of its results, Finish runs once at the end with a Summary.
//   - Schedule: a recurring cron schedule whose every firing submits an
//     independent Task.
//
// Every invocation runs in its own unit of work under the async quota
// ceilings. A job submitted from inside a unit of work (a stage handler or
// another job) is provisional and becomes runnable only when that unit of
// work commits.
//
// Admission is bounded: at most DefaultMaxActiveBatches chunked batches run
// at once and DefaultMaxQueuedBatches more may wait; further batch
// submissions are refused with a queue_depth_exceeded SubmissionError.
// Other strategies are rate limited.
package jobs
