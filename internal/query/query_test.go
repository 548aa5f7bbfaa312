package query

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/record"
)

func opp(id, stage, account string, amount int64) record.Entity {
	return record.NewEntity("Opportunity", id, record.Object{
		"stage":  record.String(stage),
		"amount": record.Int(amount),
	}).WithParent("account", account)
}

func TestMatch(t *testing.T) {
	e := opp("o1", "Won", "a1", 100)

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"nil", nil, true},
		{"equals field", Equals{Field: "stage", Value: record.String("Won")}, true},
		{"equals mismatch", Equals{Field: "stage", Value: record.String("Open")}, false},
		{"equals int", Equals{Field: "amount", Value: record.Int(100)}, true},
		{"id", Equals{Field: FieldID, Value: record.String("o1")}, true},
		{"parent", Equals{Field: Parent("account"), Value: record.String("a1")}, true},
		{"missing parent", Equals{Field: Parent("owner"), Value: record.String("a1")}, false},
		{"in", In{Field: "stage", Values: []record.Value{record.String("Lost"), record.String("Won")}}, true},
		{"in empty", In{Field: "stage"}, false},
		{"and", And{Predicates: []Predicate{
			Equals{Field: "stage", Value: record.String("Won")},
			Equals{Field: "amount", Value: record.Int(100)},
		}}, true},
		{"and fails", And{Predicates: []Predicate{
			Equals{Field: "stage", Value: record.String("Won")},
			Equals{Field: "amount", Value: record.Int(5)},
		}}, false},
		{"empty and", And{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pred, e))
		})
	}
}

func TestApply_OrdersAndPages(t *testing.T) {
	var entities []record.Entity
	for i := 9; i >= 0; i-- {
		entities = append(entities, opp(fmt.Sprintf("o%d", i), "Open", "a1", int64(i)))
	}
	entities = append(entities, record.NewEntity("Account", "a1", nil))

	s := Select{From: "Opportunity"}
	all := Apply(s, entities)
	require.Len(t, all, 10)
	assert.Equal(t, "o0", all[0].ID)
	assert.Equal(t, "o9", all[9].ID)

	page := Apply(s.Page("o3", 4), entities)
	require.Len(t, page, 4)
	assert.Equal(t, "o4", page[0].ID)
	assert.Equal(t, "o7", page[3].ID)
}

func TestSelect_Where(t *testing.T) {
	s := Select{From: "T"}.
		Where(Equals{Field: "a", Value: record.Int(1)}).
		Where(Equals{Field: "b", Value: record.Int(2)})

	and, ok := s.Filter.(And)
	require.True(t, ok)
	assert.Len(t, and.Predicates, 2)
}

func TestSelect_Validate(t *testing.T) {
	assert.NoError(t, Select{From: "T"}.Validate())
	assert.Error(t, Select{}.Validate())
	assert.Error(t, Select{From: "T", Limit: -1}.Validate())
	assert.Error(t, Select{From: "T", Filter: Equals{}}.Validate())
	assert.Error(t, Select{From: "T", Filter: And{Predicates: []Predicate{In{Field: "@"}}}}.Validate())
}

func TestKeyOf(t *testing.T) {
	e := opp("o1", "Won", "a1", 42)

	k, ok := KeyOf(e, Parent("account"))
	assert.True(t, ok)
	assert.Equal(t, "a1", k)

	k, ok = KeyOf(e, "amount")
	assert.True(t, ok)
	assert.Equal(t, "42", k)

	_, ok = KeyOf(e, "missing")
	assert.False(t, ok)
}
