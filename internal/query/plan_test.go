package query

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_String(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want string
	}{
		{"select all", SelectAll(), "SELECT * FROM result"},
		{"limit", SelectAll().Take(5), "SELECT * FROM result LIMIT 5"},
		{"projection", Select("a", "b"), "SELECT a, b FROM result"},
		{
			"full",
			Select("k", "count(*)").Filter("v > 1").Group("k").Order("k DESC").Take(3),
			"SELECT k, count(*) FROM result WHERE v > 1 GROUP BY k ORDER BY k DESC LIMIT 3",
		},
		{"raw trims semicolon", SQL("  SELECT 1 FROM result; "), "SELECT 1 FROM result"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.plan.String())
		})
	}
}

func TestPlan_BuildersDoNotAlias(t *testing.T) {
	base := Select("a")
	filtered := base.Filter("a > 0")
	assert.Empty(t, base.Where)
	assert.Equal(t, "a > 0", filtered.Where)
}

func TestPlan_IsSelectAll(t *testing.T) {
	assert.True(t, SelectAll().IsSelectAll())
	assert.True(t, Select("*").IsSelectAll())
	assert.True(t, SelectAll().Take(10).IsSelectAll())
	assert.False(t, Select("a").IsSelectAll())
	assert.False(t, SelectAll().Filter("x").IsSelectAll())
	assert.False(t, SQL("SELECT * FROM result").IsSelectAll())
}

func TestBenchmarkPlans(t *testing.T) {
	plans := BenchmarkPlans(100)
	require.Len(t, plans, 7)
	assert.Equal(t, "select_star_limit", plans[1].Name)
	assert.Equal(t, "SELECT * FROM result LIMIT 100", plans[1].Plan.String())
	assert.Contains(t, plans[6].Plan.String(), "GROUP BY col_1, col_2")
}

func TestEmptyRelation(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: `we"ird`, Type: arrow.BinaryTypes.String},
		{Name: "tags", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
	}, nil)

	rel, err := emptyRelation(schema)
	require.NoError(t, err)
	assert.Equal(t,
		`(SELECT CAST(NULL AS BIGINT) AS "id", CAST(NULL AS VARCHAR) AS "we""ird", `+
			`CAST(NULL AS INTEGER[]) AS "tags", CAST(NULL AS TIMESTAMPTZ) AS "ts" WHERE false)`,
		rel)
}

func TestEmptyRelation_Unsupported(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.Null}}, nil)
	_, err := emptyRelation(schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "n"`)
}

func TestQuoteSQLLiteral(t *testing.T) {
	assert.Equal(t, `'/tmp/it''s.parquet'`, quoteSQLLiteral("/tmp/it's.parquet"))
}
