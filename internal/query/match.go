package query

import (
	"slices"
	"strings"

	"github.com/roach88/govern/internal/record"
)

// Match evaluates pred against e in memory. A nil predicate matches.
func Match(pred Predicate, e record.Entity) bool {
	switch p := pred.(type) {
	case nil:
		return true
	case Equals:
		return record.Equal(Resolve(e, p.Field), p.Value)
	case In:
		got := Resolve(e, p.Field)
		for _, v := range p.Values {
			if record.Equal(got, v) {
				return true
			}
		}
		return false
	case And:
		for _, sub := range p.Predicates {
			if !Match(sub, e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Apply filters, orders and pages entities according to s. Used by
// in-memory backends; SQL backends compile s instead.
func Apply(s Select, entities []record.Entity) []record.Entity {
	out := make([]record.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Type != s.From {
			continue
		}
		if s.After != "" && e.ID <= s.After {
			continue
		}
		if !Match(s.Filter, e) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b record.Entity) int {
		return strings.Compare(a.ID, b.ID)
	})
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}
	return out
}
