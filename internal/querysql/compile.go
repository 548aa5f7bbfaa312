package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

// Columns is the column list every compiled statement selects, in scan order.
const Columns = "type, id, version, fields, parents"

// Compile converts a query descriptor to parameterized SQL over the
// entities table. Returns (sql, params, error).
//
// Every statement is ordered by id with COLLATE BINARY, which matches the
// byte-wise ID order of the in-memory backend. Values are always bound as
// parameters, never interpolated.
func Compile(q query.Select) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	where := []string{"type = ?"}
	params := []any{q.From}

	if q.After != "" {
		where = append(where, "id > ?")
		params = append(params, q.After)
	}

	if q.Filter != nil {
		filterSQL, filterParams, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, "("+filterSQL+")")
		params = append(params, filterParams...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM entities WHERE %s ORDER BY id COLLATE BINARY ASC",
		Columns, strings.Join(where, " AND "))
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

func compilePredicate(p query.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case query.Equals:
		return compileEquals(pred.Field, pred.Value)
	case query.In:
		return compileIn(pred)
	case query.And:
		return compileAnd(pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEquals(field string, v record.Value) (string, []any, error) {
	col, colParams, err := column(field)
	if err != nil {
		return "", nil, err
	}

	switch val := v.(type) {
	case nil, record.Null:
		return col + " IS NULL", colParams, nil
	case record.String:
		return col + " = ?", append(colParams, string(val)), nil
	case record.Int:
		return col + " = ?", append(colParams, int64(val)), nil
	case record.Bool:
		if field == query.FieldID {
			return "1 = 0", nil, nil
		}
		// json_extract reports JSON booleans as 1/0; pin the JSON type so a
		// Bool never matches an Int field.
		src, path := jsonPath(field)
		sql := fmt.Sprintf("(json_extract(%[1]s, ?) = ? AND json_type(%[1]s, ?) IN ('true', 'false'))", src)
		return sql, []any{path, boolParam(val), path}, nil
	default:
		return "", nil, fmt.Errorf("field %q: cannot compare %T in SQL", field, v)
	}
}

// compileIn expands In to a disjunction of equalities. An empty list
// matches nothing.
func compileIn(in query.In) (string, []any, error) {
	if len(in.Values) == 0 {
		return "1 = 0", nil, nil
	}

	parts := make([]string, 0, len(in.Values))
	var params []any
	for _, v := range in.Values {
		sql, p, err := compileEquals(in.Field, v)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, p...)
	}
	if len(parts) == 1 {
		return parts[0], params, nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", params, nil
}

func compileAnd(and query.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, pred := range and.Predicates {
		sql, p, err := compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, p...)
	}
	return strings.Join(parts, " AND "), params, nil
}

// column maps a field path to its SQL expression. Stored fields and parent
// references live in JSON columns and are addressed with a bound JSON path.
func column(field string) (string, []any, error) {
	if field == query.FieldID {
		return "id", nil, nil
	}
	src, path := jsonPath(field)
	if strings.ContainsAny(path[3:len(path)-1], `"\`) {
		return "", nil, fmt.Errorf("field %q: quotes and backslashes are not addressable", field)
	}
	return fmt.Sprintf("json_extract(%s, ?)", src), []any{path}, nil
}

func jsonPath(field string) (src, path string) {
	src, name := "fields", field
	if rel, ok := query.IsParentField(field); ok {
		src, name = "parents", rel
	}
	return src, `$."` + name + `"`
}

func boolParam(b record.Bool) int {
	if b {
		return 1
	}
	return 0
}
