package query

import (
	"fmt"
	"strings"

	"github.com/roach88/govern/internal/record"
)

// FieldID addresses an entity's ID in predicates and key extraction.
const FieldID = "id"

// parentPrefix marks a field path that addresses a parent relationship
// rather than a stored field.
const parentPrefix = "@"

// Parent returns the field path addressing the parent relationship rel.
// Parent("account") matches entities whose "account" parent reference
// equals the compared value.
func Parent(rel string) string {
	return parentPrefix + rel
}

// Predicate is a filter condition. The interface is sealed; backends switch
// exhaustively over Equals, In and And.
type Predicate interface {
	predicateNode()
}

// Equals matches when Field equals Value.
type Equals struct {
	Field string
	Value record.Value
}

func (Equals) predicateNode() {}

// In matches when Field equals any of Values. An empty Values list matches
// nothing.
type In struct {
	Field  string
	Values []record.Value
}

func (In) predicateNode() {}

// And matches when every predicate matches. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Select is the query descriptor consumed by the query interface.
//
// Results are always ordered by ID ascending. After and Limit give keyset
// pagination: only entities with ID > After are returned, at most Limit of
// them (0 = unlimited). Chunked scans page through large result sets this
// way, which keeps every page restartable from the last ID seen.
type Select struct {
	From   string
	Filter Predicate
	After  string
	Limit  int
}

// Where returns a copy of s with pred added to its filter.
func (s Select) Where(pred Predicate) Select {
	if s.Filter == nil {
		s.Filter = pred
		return s
	}
	s.Filter = And{Predicates: []Predicate{s.Filter, pred}}
	return s
}

// Page returns a copy of s restricted to IDs after cursor, at most limit.
func (s Select) Page(after string, limit int) Select {
	s.After = after
	s.Limit = limit
	return s
}

// Validate checks the descriptor is well formed.
func (s Select) Validate() error {
	if s.From == "" {
		return fmt.Errorf("select: From is required")
	}
	if s.Limit < 0 {
		return fmt.Errorf("select: negative limit %d", s.Limit)
	}
	if s.Filter == nil {
		return nil
	}
	return validatePredicate(s.Filter)
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case Equals:
		return validateField(pred.Field)
	case In:
		return validateField(pred.Field)
	case And:
		for i, sub := range pred.Predicates {
			if err := validatePredicate(sub); err != nil {
				return fmt.Errorf("and[%d]: %w", i, err)
			}
		}
		return nil
	case nil:
		return fmt.Errorf("nil predicate")
	default:
		return fmt.Errorf("unsupported predicate type %T", p)
	}
}

func validateField(field string) error {
	if field == "" || field == parentPrefix {
		return fmt.Errorf("empty field name")
	}
	return nil
}

// IsParentField reports whether field addresses a parent relationship and
// returns the relationship name.
func IsParentField(field string) (string, bool) {
	if rel, ok := strings.CutPrefix(field, parentPrefix); ok && rel != "" {
		return rel, true
	}
	return "", false
}

// Resolve returns the value at field on e: the ID for FieldID, the parent
// reference for Parent(rel) paths, otherwise the stored field.
func Resolve(e record.Entity, field string) record.Value {
	if field == FieldID {
		return record.String(e.ID)
	}
	if rel, ok := IsParentField(field); ok {
		if id, ok := e.Parent(rel); ok {
			return record.String(id)
		}
		return record.Null{}
	}
	return e.Get(field)
}

// KeyOf returns the grouping key at field on e. Only String and Int values
// form keys; other values report false.
func KeyOf(e record.Entity, field string) (string, bool) {
	switch v := Resolve(e, field).(type) {
	case record.String:
		if v == "" {
			return "", false
		}
		return string(v), true
	case record.Int:
		return fmt.Sprint(int64(v)), true
	default:
		return "", false
	}
}
