// Package config loads engine configuration from a CUE document.
//
// The document is unified with an embedded schema, decoded over Default()
// and then overridden from GOVERN_-prefixed environment variables:
//
//	jobs: {
//		chunkSize:        100
//		maxActiveBatches: 2
//	}
//	schedules: [{name: "nightly", cron: "0 2 * * *", task: "recalc"}]
//
// GOVERN_JOBS_CHUNK_SIZE=50 would then win over the document.
package config
