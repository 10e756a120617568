// Package query evaluates query plans against materialized containers
// through DuckDB.
package query

import (
	"fmt"
	"strings"
)

// Relation is the name under which a plan sees the materialized rows.
const Relation = "result"

// Plan is a query over Relation. Either Raw holds a complete SELECT, or the
// structured fields are rendered into one. Expressions are DuckDB SQL and
// are not quoted.
type Plan struct {
	Columns []string
	Where   string
	GroupBy []string
	OrderBy []string
	Limit   int

	Raw string
}

// SelectAll returns the plan that projects every column without filtering.
func SelectAll() Plan {
	return Plan{}
}

// SQL wraps a complete statement that reads from Relation.
func SQL(query string) Plan {
	return Plan{Raw: strings.TrimSpace(query)}
}

// Select starts a structured plan with the given projection.
func Select(columns ...string) Plan {
	return Plan{Columns: columns}
}

// Filter returns a copy of p with the WHERE clause set.
func (p Plan) Filter(where string) Plan {
	p.Where = where
	return p
}

// Group returns a copy of p grouped by keys.
func (p Plan) Group(keys ...string) Plan {
	p.GroupBy = keys
	return p
}

// Order returns a copy of p ordered by keys.
func (p Plan) Order(keys ...string) Plan {
	p.OrderBy = keys
	return p
}

// Take returns a copy of p limited to n rows.
func (p Plan) Take(n int) Plan {
	p.Limit = n
	return p
}

// IsSelectAll reports whether p needs no column information.
func (p Plan) IsSelectAll() bool {
	if p.Raw != "" {
		return false
	}
	return (len(p.Columns) == 0 || (len(p.Columns) == 1 && p.Columns[0] == "*")) &&
		p.Where == "" && len(p.GroupBy) == 0
}

// String renders the plan as a SELECT over Relation.
func (p Plan) String() string {
	if p.Raw != "" {
		return strings.TrimSuffix(p.Raw, ";")
	}

	cols := "*"
	if len(p.Columns) > 0 {
		cols = strings.Join(p.Columns, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, Relation)
	if p.Where != "" {
		fmt.Fprintf(&b, " WHERE %s", p.Where)
	}
	if len(p.GroupBy) > 0 {
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(p.GroupBy, ", "))
	}
	if len(p.OrderBy) > 0 {
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(p.OrderBy, ", "))
	}
	if p.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", p.Limit)
	}
	return b.String()
}

// NamedPlan pairs a plan with a stable name for reporting.
type NamedPlan struct {
	Name string
	Plan Plan
}

// BenchmarkPlans are the canned workloads run by the bench command against
// the demo float table (col_0..col_3).
func BenchmarkPlans(limit int) []NamedPlan {
	return []NamedPlan{
		{"select_star", SelectAll()},
		{"select_star_limit", SelectAll().Take(limit)},
		{"groupby_count", Select("col_1", "count(*)").Group("col_1")},
		{"groupby_sum", Select("col_1", "sum(col_2)").Group("col_1")},
		{"groupby_avg", Select("col_1", "avg(col_2)").Group("col_1")},
		{"groupby_min_max", Select("col_1", "min(col_2)", "max(col_2)").Group("col_1")},
		{"groupby_complex", Select("col_1", "col_2", "count(*)", "sum(col_3)", "avg(col_3)", "min(col_3)", "max(col_3)").
			Group("col_1", "col_2")},
	}
}
