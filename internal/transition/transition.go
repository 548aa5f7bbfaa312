// Package transition finds entities whose fields changed in a qualifying
// way between two snapshots of the same batch.
//
// Detection is a pure in-memory diff: one pass over the new snapshot with
// an O(1) lookup into the old one. Nothing is fetched or charged.
package transition

import (
	"slices"

	"github.com/roach88/govern/internal/record"
)

// Predicate decides whether the change from old to new qualifies.
type Predicate func(old, new record.Entity) bool

// Find returns the entities of newState whose predicate holds, in newState
// order.
//
// Both snapshots are expected to share a key set (update events). An ID
// present in newState but missing from oldState is skipped, so inserts
// never qualify.
func Find(oldState, newState record.Snapshot, pred Predicate) []record.Entity {
	var out []record.Entity
	for id, n := range newState.All() {
		o, ok := oldState.Get(id)
		if !ok {
			continue
		}
		if pred(o, n) {
			out = append(out, n)
		}
	}
	return out
}

// FieldChanged holds when field differs between old and new.
func FieldChanged(field string) Predicate {
	return func(old, new record.Entity) bool {
		return !record.Equal(old.Get(field), new.Get(field))
	}
}

// FieldTransitioned holds when field moved from exactly from to exactly to.
func FieldTransitioned(field string, from, to record.Value) Predicate {
	return func(old, new record.Entity) bool {
		return record.Equal(old.Get(field), from) && record.Equal(new.Get(field), to)
	}
}

// FieldEntered holds when field changed into one of values, for example a
// status moving into any terminal state.
func FieldEntered(field string, values ...record.Value) Predicate {
	in := func(v record.Value) bool {
		return slices.ContainsFunc(values, func(c record.Value) bool { return record.Equal(v, c) })
	}
	return func(old, new record.Entity) bool {
		return !in(old.Get(field)) && in(new.Get(field))
	}
}

// All holds when every predicate holds.
func All(preds ...Predicate) Predicate {
	return func(old, new record.Entity) bool {
		for _, p := range preds {
			if !p(old, new) {
				return false
			}
		}
		return true
	}
}
