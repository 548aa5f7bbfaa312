package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

func TestCompile_Minimal(t *testing.T) {
	sql, params, err := Compile(query.Select{From: "Account"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT type, id, version, fields, parents FROM entities WHERE type = ? ORDER BY id COLLATE BINARY ASC", sql)
	assert.Equal(t, []any{"Account"}, params)
}

func TestCompile_AlwaysOrdered(t *testing.T) {
	queries := []query.Select{
		{From: "Account"},
		{From: "Account", Limit: 5},
		{From: "Account", After: "a1"},
		{From: "Account", Filter: query.Equals{Field: "name", Value: record.String("x")}},
	}
	for _, q := range queries {
		sql, _, err := Compile(q)
		require.NoError(t, err)
		assert.Contains(t, sql, "ORDER BY id COLLATE BINARY ASC")
	}
}

func TestCompile_KeysetPage(t *testing.T) {
	q := query.Select{From: "Account"}.Page("acc-0200", 200)
	sql, params, err := Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE type = ? AND id > ?")
	assert.True(t, len(sql) > 0 && sql[len(sql)-len(" LIMIT ?"):] == " LIMIT ?")
	assert.Equal(t, []any{"Account", "acc-0200", 200}, params)
}

func TestCompile_FieldAndParentPaths(t *testing.T) {
	q := query.Select{From: "Opportunity"}.
		Where(query.Equals{Field: "stage", Value: record.String("won")}).
		Where(query.Equals{Field: query.Parent("account"), Value: record.String("a1")})

	sql, params, err := Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, "json_extract(fields, ?) = ?")
	assert.Contains(t, sql, "json_extract(parents, ?) = ?")
	assert.Equal(t, []any{"Opportunity", `$."stage"`, "won", `$."account"`, "a1"}, params)
}

func TestCompile_ValuesParameterized(t *testing.T) {
	injection := "x'; DROP TABLE entities; --"
	sql, params, err := Compile(query.Select{From: "Account",
		Filter: query.Equals{Field: "name", Value: record.String(injection)}})
	require.NoError(t, err)

	assert.NotContains(t, sql, "DROP")
	assert.Contains(t, params, injection)
}

func TestCompile_In(t *testing.T) {
	tests := []struct {
		name       string
		in         query.In
		wantSQL    string
		wantParams []any
	}{
		{
			name:       "empty matches nothing",
			in:         query.In{Field: "id"},
			wantSQL:    "(1 = 0)",
			wantParams: []any{"Account"},
		},
		{
			name:       "single",
			in:         query.In{Field: "id", Values: []record.Value{record.String("a1")}},
			wantSQL:    "(id = ?)",
			wantParams: []any{"Account", "a1"},
		},
		{
			name:       "several",
			in:         query.In{Field: "id", Values: []record.Value{record.String("a1"), record.String("a2")}},
			wantSQL:    "((id = ? OR id = ?))",
			wantParams: []any{"Account", "a1", "a2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := Compile(query.Select{From: "Account", Filter: tt.in})
			require.NoError(t, err)
			assert.Contains(t, sql, tt.wantSQL)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompile_NullAndBool(t *testing.T) {
	sql, params, err := Compile(query.Select{From: "Account",
		Filter: query.Equals{Field: "closed", Value: record.Null{}}})
	require.NoError(t, err)
	assert.Contains(t, sql, "json_extract(fields, ?) IS NULL")
	assert.Equal(t, []any{"Account", `$."closed"`}, params)

	sql, params, err = Compile(query.Select{From: "Account",
		Filter: query.Equals{Field: "active", Value: record.Bool(true)}})
	require.NoError(t, err)
	assert.Contains(t, sql, "json_type(fields, ?) IN ('true', 'false')")
	assert.Equal(t, []any{"Account", `$."active"`, 1, `$."active"`}, params)
}

func TestCompile_EmptyAndMatchesAll(t *testing.T) {
	sql, _, err := Compile(query.Select{From: "Account", Filter: query.And{}})
	require.NoError(t, err)
	assert.Contains(t, sql, "(1 = 1)")
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		q    query.Select
	}{
		{"missing from", query.Select{}},
		{"negative limit", query.Select{From: "Account", Limit: -1}},
		{"list value", query.Select{From: "Account",
			Filter: query.Equals{Field: "tags", Value: record.Strings("a")}}},
		{"quoted field", query.Select{From: "Account",
			Filter: query.Equals{Field: `na"me`, Value: record.String("x")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Compile(tt.q)
			assert.Error(t, err)
		})
	}
}
