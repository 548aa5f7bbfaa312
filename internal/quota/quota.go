package quota

import (
	"errors"
	"fmt"
	"sync"
)

// Resource names one budgeted counter.
type Resource string

const (
	Queries   Resource = "queries"
	Mutations Resource = "mutations"
	CPUMillis Resource = "cpu_millis"
	HeapBytes Resource = "heap_bytes"
)

// Resources lists every budgeted resource in reporting order.
var Resources = []Resource{Queries, Mutations, CPUMillis, HeapBytes}

// Mode selects which ceiling set applies to a unit of work.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

const (
	mib = 1 << 20

	DefaultSyncQueries   = 100
	DefaultSyncMutations = 150
	DefaultSyncCPUMillis = 10_000
	DefaultSyncHeapBytes = 6 * mib

	DefaultAsyncQueries   = 200
	DefaultAsyncMutations = 150
	DefaultAsyncCPUMillis = 60_000
	DefaultAsyncHeapBytes = 12 * mib
)

// Limits is one ceiling set.
type Limits struct {
	Queries   int64 `json:"queries"`
	Mutations int64 `json:"mutations"`
	CPUMillis int64 `json:"cpu_millis"`
	HeapBytes int64 `json:"heap_bytes"`
}

// DefaultSync returns the ceilings for synchronous units of work.
func DefaultSync() Limits {
	return Limits{
		Queries:   DefaultSyncQueries,
		Mutations: DefaultSyncMutations,
		CPUMillis: DefaultSyncCPUMillis,
		HeapBytes: DefaultSyncHeapBytes,
	}
}

// DefaultAsync returns the ceilings for async job units of work.
func DefaultAsync() Limits {
	return Limits{
		Queries:   DefaultAsyncQueries,
		Mutations: DefaultAsyncMutations,
		CPUMillis: DefaultAsyncCPUMillis,
		HeapBytes: DefaultAsyncHeapBytes,
	}
}

// Ceiling returns the limit for r, or 0 for an unknown resource.
func (l Limits) Ceiling(r Resource) int64 {
	switch r {
	case Queries:
		return l.Queries
	case Mutations:
		return l.Mutations
	case CPUMillis:
		return l.CPUMillis
	case HeapBytes:
		return l.HeapBytes
	default:
		return 0
	}
}

// Validate reports the first non-positive ceiling.
func (l Limits) Validate() error {
	for _, r := range Resources {
		if l.Ceiling(r) <= 0 {
			return fmt.Errorf("quota: %s ceiling must be positive, got %d", r, l.Ceiling(r))
		}
	}
	return nil
}

// Usage is a point-in-time copy of a Tracker's counters. HeapBytes is the
// high-water mark of live heap, so every field is non-decreasing over the
// life of a unit of work.
type Usage struct {
	Queries   int64 `json:"queries"`
	Mutations int64 `json:"mutations"`
	CPUMillis int64 `json:"cpu_millis"`
	HeapBytes int64 `json:"heap_bytes"`
}

// Get returns the counter for r.
func (u Usage) Get(r Resource) int64 {
	return Limits(u).Ceiling(r)
}

// Tracker enforces one ceiling set for one unit of work.
//
// A Tracker is created with zeroed counters and is never shared between
// units of work. Charges that would cross a ceiling fail with
// *ExceededError and leave the counter unchanged.
//
// Heap is tracked as live bytes: Reserve adds, Release subtracts, and the
// reported counter is the peak. Releasing memory therefore makes room for
// later reservations without ever lowering the reported usage.
type Tracker struct {
	mu     sync.Mutex
	mode   Mode
	limits Limits
	used   Usage
	live   int64
}

// New creates a Tracker for the given mode and ceilings.
func New(mode Mode, limits Limits) *Tracker {
	return &Tracker{mode: mode, limits: limits}
}

// Mode returns the tracker's ceiling context.
func (t *Tracker) Mode() Mode {
	return t.mode
}

// Limits returns the ceilings this tracker enforces.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// Charge adds amount to the counter for r.
//
// Charging HeapBytes is the same as Reserve.
func (t *Tracker) Charge(r Resource, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("quota: negative charge %d for %s", amount, r)
	}
	if r == HeapBytes {
		return t.Reserve(amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var counter *int64
	switch r {
	case Queries:
		counter = &t.used.Queries
	case Mutations:
		counter = &t.used.Mutations
	case CPUMillis:
		counter = &t.used.CPUMillis
	default:
		return fmt.Errorf("quota: unknown resource %q", r)
	}

	attempted := *counter + amount
	if limit := t.limits.Ceiling(r); attempted > limit {
		return &ExceededError{Resource: r, Mode: t.mode, Limit: limit, Attempted: attempted}
	}
	*counter = attempted
	return nil
}

// Reserve accounts n bytes of live heap.
func (t *Tracker) Reserve(n int64) error {
	if n < 0 {
		return fmt.Errorf("quota: negative heap reservation %d", n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	attempted := t.live + n
	if attempted > t.limits.HeapBytes {
		return &ExceededError{Resource: HeapBytes, Mode: t.mode, Limit: t.limits.HeapBytes, Attempted: attempted}
	}
	t.live = attempted
	t.used.HeapBytes = max(t.used.HeapBytes, t.live)
	return nil
}

// Release returns n bytes of live heap. Live heap never drops below zero.
func (t *Tracker) Release(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = max(t.live-n, 0)
}

// Live returns the currently reserved heap bytes.
func (t *Tracker) Live() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Remaining returns how much of r can still be charged. For HeapBytes this
// is measured against live heap.
func (t *Tracker) Remaining(r Resource) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r == HeapBytes {
		return t.limits.HeapBytes - t.live
	}
	return t.limits.Ceiling(r) - t.used.Get(r)
}

// Usage returns a copy of the counters.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// ExceededError is returned when a charge would push a counter past its
// ceiling. It is fatal to the current unit of work and is never retried.
type ExceededError struct {
	Resource  Resource
	Mode      Mode
	Limit     int64
	Attempted int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s %d > %d (%s limit)", e.Resource, e.Attempted, e.Limit, e.Mode)
}

// IsExceeded reports whether err is or wraps an *ExceededError.
func IsExceeded(err error) bool {
	var qe *ExceededError
	return errors.As(err, &qe)
}

// AsExceeded extracts the *ExceededError from err's chain.
func AsExceeded(err error) (*ExceededError, bool) {
	var qe *ExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
