// Package bulk converts per-record storage access into batched calls.
//
// The access pattern is always the same: collect the keys of a whole event
// batch (CollectKeys, free), issue one fetch for all of them
// (FetchRelated, one queries unit), distribute the results back through the
// returned key mapping, and write every change in one call (ApplyBulk, one
// mutations unit). Large result sets are walked with a Scan, which realizes
// one bounded chunk at a time.
//
// A Pipeline never issues a fetch or mutation per entity; there is no API
// for it.
package bulk
