// Package memstore is an in-memory persist.Backend.
//
// Sessions buffer their writes in an overlay and publish it on Commit.
// Every entity a session reads or writes is pinned at the version it first
// observed; Commit fails with persist.ErrConflict if another session
// committed a newer version in between, and nothing is published.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

var errSessionDone = errors.New("memstore: session already committed or rolled back")

type key struct {
	entityType string
	id         string
}

func keyOf(e record.Entity) key { return key{e.Type, e.ID} }

// Stats counts backend calls across all sessions.
type Stats struct {
	Queries   int
	Applies   int
	Commits   int
	Rollbacks int
}

// Store is the shared committed state.
type Store struct {
	mu       sync.Mutex
	entities map[key]record.Entity
	stats    Stats
}

// New creates a store holding seed. Seeded entities without a version
// start at version 1.
func New(seed ...record.Entity) *Store {
	s := &Store{entities: make(map[key]record.Entity, len(seed))}
	for _, e := range seed {
		e = e.Clone()
		if e.Version == 0 {
			e.Version = 1
		}
		s.entities[keyOf(e)] = e
	}
	return s
}

// Get returns a copy of the committed entity.
func (s *Store) Get(entityType, id string) (record.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key{entityType, id}]
	if !ok {
		return record.Entity{}, false
	}
	return e.Clone(), true
}

// All returns copies of every committed entity of entityType ordered by ID.
func (s *Store) All(entityType string) []record.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Entity
	for k, e := range s.entities {
		if k.entityType == entityType {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b record.Entity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of committed entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Stats returns call counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Begin opens a session.
func (s *Store) Begin(ctx context.Context) (persist.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &session{
		store:   s,
		overlay: make(map[key]*record.Entity),
		pinned:  make(map[key]int64),
	}, nil
}

type session struct {
	mu      sync.Mutex
	store   *Store
	overlay map[key]*record.Entity // nil entry = deleted in this session
	pinned  map[key]int64          // committed version first observed, 0 = absent
	done    bool
}

func (s *session) Query(ctx context.Context, q query.Select) ([]record.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, errSessionDone
	}

	s.store.mu.Lock()
	s.store.stats.Queries++
	candidates := make([]record.Entity, 0)
	for k, e := range s.store.entities {
		if k.entityType != q.From {
			continue
		}
		if _, ok := s.overlay[k]; ok {
			continue
		}
		candidates = append(candidates, e)
	}
	s.store.mu.Unlock()

	for k, e := range s.overlay {
		if k.entityType == q.From && e != nil {
			candidates = append(candidates, *e)
		}
	}

	rows := query.Apply(q, candidates)
	out := make([]record.Entity, len(rows))
	for i, e := range rows {
		s.pin(keyOf(e), e.Version)
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *session) Apply(ctx context.Context, muts []record.Mutation, mode persist.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("memstore: invalid mode %q", mode)
	}
	if err := persist.ValidateMutations(muts); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errSessionDone
	}

	s.store.mu.Lock()
	s.store.stats.Applies++
	s.store.mu.Unlock()

	if mode == persist.AllowPartial {
		return persist.ApplyEach(muts, func(m record.Mutation) error {
			return s.applyOne(s.overlay, m)
		})
	}

	staged := make(map[key]*record.Entity, len(s.overlay)+len(muts))
	for k, v := range s.overlay {
		staged[k] = v
	}
	for _, m := range muts {
		if err := s.applyOne(staged, m); err != nil {
			return &persist.MutationError{Op: m.Op, EntityID: m.Entity.ID, Err: err}
		}
	}
	s.overlay = staged
	return nil
}

// lookup returns the entity visible to this session.
func (s *session) lookup(overlay map[key]*record.Entity, k key) (record.Entity, bool) {
	if e, ok := overlay[k]; ok {
		if e == nil {
			return record.Entity{}, false
		}
		return *e, true
	}
	s.store.mu.Lock()
	e, ok := s.store.entities[k]
	s.store.mu.Unlock()
	if ok {
		s.pin(k, e.Version)
	} else {
		s.pin(k, 0)
	}
	return e, ok
}

func (s *session) pin(k key, version int64) {
	if _, ok := s.pinned[k]; !ok {
		s.pinned[k] = version
	}
}

func (s *session) applyOne(overlay map[key]*record.Entity, m record.Mutation) error {
	k := keyOf(m.Entity)
	current, exists := s.lookup(overlay, k)

	switch m.Op {
	case record.OpInsert:
		if exists {
			return persist.ErrExists
		}
		e := m.Entity.Clone()
		e.Version = 1
		overlay[k] = &e
	case record.OpUpdate:
		if !exists {
			return persist.ErrNotFound
		}
		if m.Entity.Version != 0 && m.Entity.Version != current.Version {
			return persist.ErrConflict
		}
		e := m.Entity.Clone()
		e.Version = current.Version + 1
		overlay[k] = &e
	case record.OpDelete:
		if !exists {
			return persist.ErrNotFound
		}
		if m.Entity.Version != 0 && m.Entity.Version != current.Version {
			return persist.ErrConflict
		}
		overlay[k] = nil
	}
	return nil
}

func (s *session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errSessionDone
	}
	s.done = true

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for k, want := range s.pinned {
		if _, touched := s.overlay[k]; !touched {
			continue
		}
		var got int64
		if e, ok := s.store.entities[k]; ok {
			got = e.Version
		}
		if got != want {
			s.store.stats.Rollbacks++
			return fmt.Errorf("commit %s/%s: %w", k.entityType, k.id, persist.ErrConflict)
		}
	}

	for k, e := range s.overlay {
		if e == nil {
			delete(s.store.entities, k)
			continue
		}
		s.store.entities[k] = *e
	}
	s.store.stats.Commits++
	return nil
}

func (s *session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	s.overlay = nil

	s.store.mu.Lock()
	s.store.stats.Rollbacks++
	s.store.mu.Unlock()
	return nil
}
