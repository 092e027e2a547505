package query

import (
	"fmt"
	"strings"
)

// Query builds a SQL statement and its placeholder parameters
// incrementally.
type Query struct {
	builder strings.Builder
	params  []any
}

// Add query to builder.
func (q *Query) query(s string) {
	q.builder.WriteString(s)
}

// Add parameter list and its placeholders.
func (q *Query) param(vals []any) {
	q.builder.WriteString(fmt.Sprintf("(%s)", strings.Join(strings.Split(strings.Repeat("?", len(vals)), ""), ",")))
	q.params = append(q.params, vals...)
}

// Add sub query to builder.
func (q *Query) subQuery(sq Query) {
	subQuery, subQueryParams := sq.get()
	q.builder.WriteString(fmt.Sprintf("(%s)", subQuery))
	q.params = append(q.params, subQueryParams...)
}

// Get current query string and its parameters.
func (q *Query) get() (string, []any) {
	return q.builder.String(), q.params
}

func anyStrings(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}

	return out
}

func anyInts(vals []int64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}

	return out
}
