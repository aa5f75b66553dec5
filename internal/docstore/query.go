// Provides the lazy query builder: filters, a single-key stable sort and projection.

package docstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
)

// SortDirection is the order of a sort.
type SortDirection string

// Sort directions.
const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// FilterOp is a comparison operator for WhereField.
type FilterOp string

// Filter operators.
const (
	OpEquals     FilterOp = "eq"
	OpNotEquals  FilterOp = "ne"
	OpGreater    FilterOp = "gt"
	OpLess       FilterOp = "lt"
	OpGreaterEq  FilterOp = "gte"
	OpLessEq     FilterOp = "lte"
	OpContains   FilterOp = "contains"
	OpStartsWith FilterOp = "starts_with"
	OpEndsWith   FilterOp = "ends_with"
	OpIsEmpty    FilterOp = "is_empty"
	OpIsNotEmpty FilterOp = "is_not_empty"
)

// Query is an immutable, lazily evaluated query on one collection.
//
// Each builder method returns a new Query and leaves the receiver usable.
// Nothing is read until Exec.
type Query struct {
	store      *Store
	collection string
	filters    []func(Record) bool
	sortField  string
	sortDir    SortDirection
	fields     []string
	limit      int
}

// Where adds a predicate. All predicates must hold for a record to match.
func (q Query) Where(pred func(Record) bool) Query {
	q.filters = append(slices.Clip(q.filters), pred)
	return q
}

// WhereField adds a predicate comparing field to value with op.
func (q Query) WhereField(field string, op FilterOp, value any) Query {
	value = normalizeValue(value)
	return q.Where(func(r Record) bool {
		v, ok := r[field]
		if !ok {
			// Property not set - only match is_empty
			return op == OpIsEmpty
		}
		return matchesOperator(v, op, value)
	})
}

// Sort orders results by field. A later call replaces an earlier one.
func (q Query) Sort(field string, dir SortDirection) Query {
	if dir != Desc {
		dir = Asc
	}
	q.sortField = field
	q.sortDir = dir
	return q
}

// Project keeps only fields in each result.
func (q Query) Project(fields ...string) Query {
	q.fields = slices.Clone(fields)
	return q
}

// Limit caps the number of results. n <= 0 means no cap.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// Exec reads the collection once and applies the filters, then the sort,
// then the projection, then the limit. Every call reads afresh.
func (q Query) Exec(ctx context.Context) ([]Record, error) {
	records, err := q.store.Get(ctx, q.collection)
	if err != nil {
		return nil, err
	}
	result := make([]Record, 0, len(records))
	for _, r := range records {
		if q.matches(r) {
			result = append(result, r)
		}
	}
	if q.sortField != "" {
		slices.SortStableFunc(result, func(a, b Record) int {
			c := compareValues(a[q.sortField], b[q.sortField])
			if q.sortDir == Desc {
				return -c
			}
			return c
		})
	}
	if q.fields != nil {
		for i, r := range result {
			p := make(Record, len(q.fields))
			for _, f := range q.fields {
				if v, ok := r[f]; ok {
					p[f] = v
				}
			}
			result[i] = p
		}
	}
	if q.limit > 0 && len(result) > q.limit {
		result = result[:q.limit]
	}
	return result, nil
}

func (q *Query) matches(r Record) bool {
	for _, f := range q.filters {
		if !f(r) {
			return false
		}
	}
	return true
}

// matchesOperator applies the filter operator to compare values.
func matchesOperator(value any, op FilterOp, filterValue any) bool {
	switch op {
	case OpIsEmpty:
		return isEmpty(value)
	case OpIsNotEmpty:
		return !isEmpty(value)
	case OpEquals:
		return compareValues(value, filterValue) == 0
	case OpNotEquals:
		return compareValues(value, filterValue) != 0
	case OpGreater:
		return compareValues(value, filterValue) > 0
	case OpLess:
		return compareValues(value, filterValue) < 0
	case OpGreaterEq:
		return compareValues(value, filterValue) >= 0
	case OpLessEq:
		return compareValues(value, filterValue) <= 0
	case OpContains:
		return strings.Contains(lowerString(value), lowerString(filterValue))
	case OpStartsWith:
		return strings.HasPrefix(lowerString(value), lowerString(filterValue))
	case OpEndsWith:
		return strings.HasSuffix(lowerString(value), lowerString(filterValue))
	default:
		return false
	}
}

// isEmpty checks if a value is empty/null.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// typeRank orders values of different JSON types.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

// compareValues compares two normalized values, returning -1, 0, or 1.
//
// Values of the same type use their natural order; values of different
// types are ordered null < bool < number < string < array < object.
func compareValues(a, b any) int {
	if c := cmp.Compare(typeRank(a), typeRank(b)); c != 0 {
		return c
	}
	switch va := a.(type) {
	case nil:
		return 0
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(va, b.(float64))
	case string:
		return cmp.Compare(va, b.(string))
	case []any:
		vb := b.([]any)
		for i := 0; i < len(va) && i < len(vb); i++ {
			if c := compareValues(va[i], vb[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(va), len(vb))
	default:
		// Objects have no natural order.
		return 0
	}
}

func lowerString(v any) string {
	return strings.ToLower(keyString(v))
}
