// Package persist declares the storage collaborators the core consumes:
// the query interface, the mutation interface and the transactional session
// that delivers commit and abort signals.
//
// Implementations live in package store (SQLite) and store/memstore.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

// Mode selects mutation failure semantics.
type Mode string

const (
	// AllOrNothing applies every mutation or none of them.
	AllOrNothing Mode = "all_or_nothing"
	// AllowPartial applies each mutation independently and reports
	// per-entity failures in a *PartialFailure.
	AllowPartial Mode = "allow_partial"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == AllOrNothing || m == AllowPartial
}

var (
	// ErrConflict marks an update or delete whose expected version no longer
	// matches the stored entity.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound marks an update or delete of an entity that does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrExists marks an insert of an entity that already exists.
	ErrExists = errors.New("entity already exists")
)

// Querier executes query descriptors.
type Querier interface {
	Query(ctx context.Context, q query.Select) ([]record.Entity, error)
}

// Mutator applies batches of mutations.
//
// In AllOrNothing mode a non-nil error means nothing was applied. In
// AllowPartial mode the error, if any, is a *PartialFailure describing which
// entities were applied and which were not.
type Mutator interface {
	Apply(ctx context.Context, muts []record.Mutation, mode Mode) error
}

// Session is one external transaction. Commit and Rollback are the commit
// and abort notifications the dispatcher and orchestrator wait on.
type Session interface {
	Querier
	Mutator
	Commit() error
	Rollback() error
}

// Backend opens sessions.
type Backend interface {
	Begin(ctx context.Context) (Session, error)
}

// Failure is one entity that could not be applied.
type Failure struct {
	Entity record.Entity
	Reason string
	Err    error
}

// PartialFailure reports per-entity outcomes of an AllowPartial apply.
type PartialFailure struct {
	Succeeded []record.Entity
	Failed    []Failure
}

func (p *PartialFailure) Error() string {
	reasons := make([]string, 0, len(p.Failed))
	for _, f := range p.Failed {
		reasons = append(reasons, fmt.Sprintf("%s: %s", f.Entity.ID, f.Reason))
	}
	return fmt.Sprintf("partial failure: %d succeeded, %d failed (%s)",
		len(p.Succeeded), len(p.Failed), strings.Join(reasons, "; "))
}

// Unwrap exposes the per-entity causes so errors.Is(err, ErrConflict) holds
// when any entity conflicted.
func (p *PartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(p.Failed))
	for _, f := range p.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// FailedIDs returns the IDs of the failed entities.
func (p *PartialFailure) FailedIDs() []string {
	ids := make([]string, len(p.Failed))
	for i, f := range p.Failed {
		ids[i] = f.Entity.ID
	}
	return ids
}

// AsPartialFailure extracts the *PartialFailure from err's chain.
func AsPartialFailure(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

// MutationError is the failure of one mutation inside an AllOrNothing
// batch. Nothing in the batch was applied.
type MutationError struct {
	Op       record.Operation
	EntityID string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Reason renders a failure cause as a short reason string.
func Reason(err error) string {
	var rej *RejectedError
	switch {
	case errors.As(err, &rej):
		return rej.Reason
	case errors.Is(err, ErrConflict):
		return "version conflict"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrExists):
		return "already exists"
	default:
		return err.Error()
	}
}

// ApplyEach runs apply for every mutation in AllowPartial fashion and
// collects the outcome. Backends use it to implement AllowPartial once
// they can apply a single mutation atomically.
func ApplyEach(muts []record.Mutation, apply func(record.Mutation) error) error {
	pf := &PartialFailure{}
	for _, m := range muts {
		if err := apply(m); err != nil {
			pf.Failed = append(pf.Failed, Failure{Entity: m.Entity, Reason: Reason(err), Err: err})
			continue
		}
		pf.Succeeded = append(pf.Succeeded, m.Entity)
	}
	if len(pf.Failed) == 0 {
		return nil
	}
	return pf
}

// ValidateMutations checks each mutation is well formed.
func ValidateMutations(muts []record.Mutation) error {
	for i, m := range muts {
		if !m.Op.Valid() {
			return fmt.Errorf("mutation %d: invalid operation %q", i, m.Op)
		}
		if m.Entity.ID == "" || m.Entity.Type == "" {
			return fmt.Errorf("mutation %d: entity type and ID are required", i)
		}
	}
	return nil
}
