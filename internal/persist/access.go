package persist

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

// RejectedError is a per-entity denial: an access-control refusal or a
// store-side constraint. It is an ordinary mutation failure.
type RejectedError struct {
	EntityID string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected %s: %s", e.EntityID, e.Reason)
}

// IsRejected reports whether err is or wraps a *RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Policy decides what the caller may see and write.
type Policy interface {
	// CanRead reports whether the record is visible at all.
	CanRead(e record.Entity) bool
	// CanReadField reports whether a field of a visible record is visible.
	CanReadField(entityType, field string) bool
	// CanWrite returns nil when the mutation is permitted, otherwise the
	// reason it is not.
	CanWrite(m record.Mutation) error
}

// Rules is a table-driven Policy.
type Rules struct {
	// HiddenFields lists per entity type the fields stripped from reads and
	// refused on writes.
	HiddenFields map[string][]string
	// ReadOnlyTypes lists entity types that may be read but never written.
	ReadOnlyTypes []string
	// HiddenTypes lists entity types that are never returned from queries.
	HiddenTypes []string
}

func (r Rules) CanRead(e record.Entity) bool {
	return !slices.Contains(r.HiddenTypes, e.Type)
}

func (r Rules) CanReadField(entityType, field string) bool {
	return !slices.Contains(r.HiddenFields[entityType], field)
}

func (r Rules) CanWrite(m record.Mutation) error {
	if slices.Contains(r.ReadOnlyTypes, m.Entity.Type) || slices.Contains(r.HiddenTypes, m.Entity.Type) {
		return fmt.Errorf("%s is not writable", m.Entity.Type)
	}
	for _, f := range r.HiddenFields[m.Entity.Type] {
		if _, ok := m.Entity.Fields[f]; ok && m.Op != record.OpDelete {
			return fmt.Errorf("field %s.%s is not writable", m.Entity.Type, f)
		}
	}
	return nil
}

// WithAccess wraps backend so every session it opens enforces policy.
//
// Reads drop invisible records and strip invisible fields. Writes refused
// by the policy fail like any other mutation: in AllOrNothing mode the
// whole batch fails with a *MutationError wrapping a *RejectedError, in
// AllowPartial mode the refused entities appear in the *PartialFailure next
// to whatever the underlying store itself rejected.
func WithAccess(backend Backend, policy Policy) Backend {
	return &accessBackend{inner: backend, policy: policy}
}

type accessBackend struct {
	inner  Backend
	policy Policy
}

func (b *accessBackend) Begin(ctx context.Context) (Session, error) {
	s, err := b.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &accessSession{Session: s, policy: b.policy}, nil
}

type accessSession struct {
	Session
	policy Policy
}

func (s *accessSession) Query(ctx context.Context, q query.Select) ([]record.Entity, error) {
	rows, err := s.Session.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, e := range rows {
		if !s.policy.CanRead(e) {
			continue
		}
		visible := make(record.Object, len(e.Fields))
		for field, v := range e.Fields {
			if s.policy.CanReadField(e.Type, field) {
				visible[field] = v
			}
		}
		e.Fields = visible
		out = append(out, e)
	}
	return out, nil
}

func (s *accessSession) Apply(ctx context.Context, muts []record.Mutation, mode Mode) error {
	var allowed []record.Mutation
	var denied []Failure
	for _, m := range muts {
		if err := s.policy.CanWrite(m); err != nil {
			rej := &RejectedError{EntityID: m.Entity.ID, Reason: err.Error()}
			if mode == AllOrNothing {
				return &MutationError{Op: m.Op, EntityID: m.Entity.ID, Err: rej}
			}
			denied = append(denied, Failure{Entity: m.Entity, Reason: rej.Reason, Err: rej})
			continue
		}
		allowed = append(allowed, m)
	}

	var err error
	if len(allowed) > 0 {
		err = s.Session.Apply(ctx, allowed, mode)
	}
	if len(denied) == 0 {
		return err
	}

	pf := &PartialFailure{Failed: denied}
	if err == nil {
		for _, m := range allowed {
			pf.Succeeded = append(pf.Succeeded, m.Entity)
		}
		return pf
	}
	inner, ok := AsPartialFailure(err)
	if !ok {
		return err
	}
	pf.Succeeded = inner.Succeeded
	pf.Failed = append(inner.Failed, denied...)
	return pf
}
