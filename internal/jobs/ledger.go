package jobs

import (
	"context"
	"slices"
	"sync"
)

// Ledger records terminal job snapshots. package store implements it on
// SQLite.
type Ledger interface {
	Record(ctx context.Context, job Job) error
}

// MemoryLedger keeps terminal snapshots in memory.
type MemoryLedger struct {
	mu   sync.Mutex
	jobs []Job
}

// Record appends job.
func (l *MemoryLedger) Record(_ context.Context, job Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job)
	return nil
}

// Jobs returns the recorded snapshots in recording order.
func (l *MemoryLedger) Jobs() []Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.jobs)
}
