// Package guard bounds re-entrant dispatch per (entity type, stage).
package guard

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCeiling is the number of invocations allowed per key within one
// transaction.
const DefaultCeiling = 2

type key struct {
	entityType string
	stage      string
}

// Guard counts invocations per (entityType, stage) for one logical
// transaction.
//
// A single external commit may re-enter the dispatcher (a dependent
// automation re-saving the same entity type), so the Guard is owned by the
// Transaction, not by a single unit of work. It is reset only when that
// transaction ends. Handlers must still be idempotent: the ceiling bounds
// re-entrancy, it does not make repeated invocation correct.
//
// Thread-safety: safe for concurrent use.
type Guard struct {
	mu      sync.Mutex
	ceiling int
	counts  map[key]int
}

// New creates a guard with the given ceiling. A non-positive ceiling uses
// DefaultCeiling.
func New(ceiling int) *Guard {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Guard{
		ceiling: ceiling,
		counts:  make(map[key]int),
	}
}

// Allow reports whether (entityType, stage) may run again and, if so,
// counts the invocation.
func (g *Guard) Allow(entityType, stage string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key{entityType, stage}
	if g.counts[k] >= g.ceiling {
		return false
	}
	g.counts[k]++
	return true
}

// Count returns how many invocations have been allowed for the key.
func (g *Guard) Count(entityType, stage string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[key{entityType, stage}]
}

// Ceiling returns the configured ceiling.
func (g *Guard) Ceiling() int {
	return g.ceiling
}

// Reset forgets all counts. Called when the owning transaction ends.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.counts)
}

// RecursionLimitError describes a skipped stage. It is informational: the
// dispatcher logs and records it but never fails an event because of it.
type RecursionLimitError struct {
	EntityType string
	Stage      string
	Ceiling    int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit reached for %s/%s (ceiling %d)", e.EntityType, e.Stage, e.Ceiling)
}

// IsRecursionLimit reports whether err is or wraps a *RecursionLimitError.
func IsRecursionLimit(err error) bool {
	var re *RecursionLimitError
	return errors.As(err, &re)
}
