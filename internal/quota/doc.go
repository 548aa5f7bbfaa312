// Package quota implements the per-unit-of-work resource tracker.
//
// Every unit of work owns exactly one Tracker, built against either the
// synchronous or the (higher) asynchronous ceiling set. Counters start at
// zero and only ever grow. A charge that would cross a ceiling fails with
// *ExceededError; callers treat that as a hard stop for the unit of work,
// never as a transient condition.
package quota
