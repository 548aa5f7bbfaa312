package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/govern/internal/record"
)

// MaxBatchSize is the largest Event a single dispatch accepts.
const MaxBatchSize = 200

// ErrBatchTooLarge is returned for an Event with more than MaxBatchSize
// entities. Use Split first.
var ErrBatchTooLarge = errors.New("event batch too large")

// Stage is one step of the dispatch state machine.
type Stage string

const (
	BeforeValidate Stage = "before_validate"
	BeforeMutate   Stage = "before_mutate"
	Persist        Stage = "persist"
	AfterMutate    Stage = "after_mutate"
	PostCommit     Stage = "post_commit"
)

// Stages lists every stage in execution order.
var Stages = []Stage{BeforeValidate, BeforeMutate, Persist, AfterMutate, PostCommit}

// handlerStage reports whether handlers may be registered for s. Persist
// is performed by the backend and PostCommit work is submitted as jobs.
func handlerStage(s Stage) bool {
	return s == BeforeValidate || s == BeforeMutate || s == AfterMutate
}

// Lifecycle returns the trigger-style name of the transition an Event in s
// represents, such as "before-update" or "after-delete".
func Lifecycle(s Stage, op record.Operation) string {
	switch s {
	case BeforeValidate, BeforeMutate:
		return "before-" + string(op)
	default:
		return "after-" + string(op)
	}
}

// Event is one batch of entities of a single type undergoing one lifecycle
// transition.
//
// Old holds the state before the change (updates and deletes) and New the
// state after it (inserts and updates). For updates both snapshots hold the
// same IDs.
type Event struct {
	EntityType string
	Op         record.Operation
	Old        record.Snapshot
	New        record.Snapshot
}

// Len returns the number of entities in the event.
func (ev Event) Len() int {
	if ev.Op == record.OpDelete {
		return ev.Old.Len()
	}
	return ev.New.Len()
}

// Entities returns the entities the event is about: New for inserts and
// updates, Old for deletes.
func (ev Event) Entities() []record.Entity {
	if ev.Op == record.OpDelete {
		return ev.Old.Entities()
	}
	return ev.New.Entities()
}

// Validate checks the event's shape.
func (ev Event) Validate() error {
	if ev.EntityType == "" {
		return errors.New("event has no entity type")
	}
	if !ev.Op.Valid() {
		return fmt.Errorf("event %s: invalid operation %q", ev.EntityType, ev.Op)
	}
	switch ev.Op {
	case record.OpInsert:
		if ev.Old.Len() != 0 {
			return fmt.Errorf("event %s insert: old state must be empty", ev.EntityType)
		}
	case record.OpUpdate:
		if !ev.Old.SameKeys(ev.New) {
			return fmt.Errorf("event %s update: old and new state hold different IDs", ev.EntityType)
		}
	case record.OpDelete:
		if ev.New.Len() != 0 {
			return fmt.Errorf("event %s delete: new state must be empty", ev.EntityType)
		}
	}
	if ev.Len() == 0 {
		return fmt.Errorf("event %s %s: no entities", ev.EntityType, ev.Op)
	}
	if n := ev.Len(); n > MaxBatchSize {
		return fmt.Errorf("event %s %s: %d entities: %w (max %d)", ev.EntityType, ev.Op, n, ErrBatchTooLarge, MaxBatchSize)
	}
	for _, e := range ev.Entities() {
		if e.Type != ev.EntityType {
			return fmt.Errorf("event %s: entity %s has type %q", ev.EntityType, e.ID, e.Type)
		}
	}
	return nil
}

// NewInsert builds an insert Event.
func NewInsert(entityType string, entities ...record.Entity) (Event, error) {
	s, err := record.NewSnapshot(entities...)
	if err != nil {
		return Event{}, err
	}
	return Event{EntityType: entityType, Op: record.OpInsert, New: s}, nil
}

// NewUpdate builds an update Event from parallel old and new states.
func NewUpdate(entityType string, oldState, newState []record.Entity) (Event, error) {
	oldSnap, err := record.NewSnapshot(oldState...)
	if err != nil {
		return Event{}, fmt.Errorf("old state: %w", err)
	}
	newSnap, err := record.NewSnapshot(newState...)
	if err != nil {
		return Event{}, fmt.Errorf("new state: %w", err)
	}
	return Event{EntityType: entityType, Op: record.OpUpdate, Old: oldSnap, New: newSnap}, nil
}

// NewDelete builds a delete Event.
func NewDelete(entityType string, entities ...record.Entity) (Event, error) {
	s, err := record.NewSnapshot(entities...)
	if err != nil {
		return Event{}, err
	}
	return Event{EntityType: entityType, Op: record.OpDelete, Old: s}, nil
}

// Split breaks ev into consecutive Events of at most size entities,
// preserving order. size <= 0 means MaxBatchSize.
func Split(ev Event, size int) ([]Event, error) {
	if size <= 0 {
		size = MaxBatchSize
	}
	if size > MaxBatchSize {
		return nil, fmt.Errorf("split size %d: %w (max %d)", size, ErrBatchTooLarge, MaxBatchSize)
	}

	var out []Event
	for _, chunk := range record.Chunk(ev.Entities(), size) {
		part := Event{EntityType: ev.EntityType, Op: ev.Op}
		var err error
		switch ev.Op {
		case record.OpDelete:
			part.Old, err = record.NewSnapshot(chunk...)
		case record.OpInsert:
			part.New, err = record.NewSnapshot(chunk...)
		default:
			old := make([]record.Entity, 0, len(chunk))
			for _, e := range chunk {
				if o, ok := ev.Old.Get(e.ID); ok {
					old = append(old, o)
				}
			}
			if part.New, err = record.NewSnapshot(chunk...); err == nil {
				part.Old, err = record.NewSnapshot(old...)
			}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, nil
}
