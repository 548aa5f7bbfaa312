// Package store is the SQLite persistence backend.
//
// Entities live in one table keyed by (type, id) with their fields and
// parent references as canonical JSON. Reads compile query descriptors
// through package querysql; writes are version checked, so a stale update
// or delete fails with persist.ErrConflict.
//
// The same database holds the job ledger: terminal job snapshots recorded
// by the orchestrator through jobs.Ledger.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
