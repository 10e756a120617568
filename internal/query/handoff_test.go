package query_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-flight/internal/domain"
	"duck-flight/internal/materialize"
	"duck-flight/internal/query"
	"duck-flight/internal/testutil"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func materializeRecords(t *testing.T, recs ...arrow.Record) *domain.Outcome {
	t.Helper()
	src := testutil.NewMockChunkSource(recs...)
	t.Cleanup(func() { _ = src.Close() })

	d := materialize.New(materialize.Options{Dir: t.TempDir()}, slog.New(slog.DiscardHandler))
	out, err := d.Run(context.Background(), src)
	require.NoError(t, err)
	return out
}

func newHandoff(t *testing.T) *query.Handoff {
	t.Helper()
	return query.NewHandoff(openDB(t), slog.New(slog.DiscardHandler))
}

func TestHandoff_SelectAllPreservesOrder(t *testing.T) {
	out := materializeRecords(t,
		testutil.IDNameRecord(0, 10),
		testutil.IDNameRecord(0, 0),
		testutil.IDNameRecord(10, 5),
	)
	h := newHandoff(t)

	res, err := h.Run(context.Background(), out, query.SelectAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	require.Len(t, res.Rows, 15)
	for i, row := range res.Rows {
		assert.Equal(t, int64(i), row[0])
	}
	assert.Equal(t, "row-14", res.Rows[14][1])
}

func TestHandoff_FilterAndProject(t *testing.T) {
	out := materializeRecords(t, testutil.IDNameRecord(0, 8), testutil.IDNameRecord(8, 8))
	h := newHandoff(t)

	plan := query.Select("id").Filter("id % 5 = 0").Order("id")
	res, err := h.Run(context.Background(), out, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, res.Columns)
	assert.Equal(t, [][]interface{}{{int64(0)}, {int64(5)}, {int64(10)}, {int64(15)}}, res.Rows)
}

func TestHandoff_RawSQL(t *testing.T) {
	out := materializeRecords(t, testutil.IDNameRecord(0, 7))
	h := newHandoff(t)

	res, err := h.Run(context.Background(), out, query.SQL("SELECT count(*) AS n FROM result WHERE id >= 3;"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(4), res.Rows[0][0])
}

func TestHandoff_GroupByOnFloatTable(t *testing.T) {
	out := materializeRecords(t, testutil.FloatRecord(0, 6, 3), testutil.FloatRecord(6, 6, 3))
	h := newHandoff(t)

	res, err := h.Run(context.Background(), out,
		query.Select("count(*) AS n", "count(DISTINCT col_1) AS k"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(12), res.Rows[0][0])
	assert.Equal(t, int64(12), res.Rows[0][1])
}

func TestHandoff_EmptyWithSchema(t *testing.T) {
	h := newHandoff(t)
	out := &domain.Outcome{State: domain.StateEmpty, Schema: testutil.IDNameSchema()}

	res, err := h.Run(context.Background(), out, query.SelectAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	assert.Empty(t, res.Rows)

	res, err = h.Run(context.Background(), out, query.Select("name", "count(*)").Group("name"))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestHandoff_EmptyWithoutSchema(t *testing.T) {
	h := newHandoff(t)
	out := &domain.Outcome{State: domain.StateEmpty}

	res, err := h.Run(context.Background(), out, query.SelectAll())
	require.NoError(t, err)
	assert.Empty(t, res.Columns)
	assert.Empty(t, res.Rows)

	_, err = h.Run(context.Background(), out, query.Select("id").Filter("id > 1"))
	require.ErrorIs(t, err, domain.ErrNoSchema)
}

func TestHandoff_FailedWithoutContainer(t *testing.T) {
	h := newHandoff(t)
	cause := errors.New("stream reset")
	out := &domain.Outcome{State: domain.StateFailed, Err: cause}

	_, err := h.Run(context.Background(), out, query.SelectAll())
	var qerr *domain.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.ErrorIs(t, err, cause)
}

func TestHandoff_NilOutcome(t *testing.T) {
	h := newHandoff(t)
	_, err := h.Run(context.Background(), nil, query.SelectAll())
	require.Error(t, err)
}

func TestHandoff_BadPlanIsQueryError(t *testing.T) {
	out := materializeRecords(t, testutil.IDNameRecord(0, 3))
	h := newHandoff(t)

	_, err := h.Run(context.Background(), out, query.Select("no_such_column"))
	var qerr *domain.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Query, "read_parquet")
}

func TestHandoff_ContainerReusableAcrossPlans(t *testing.T) {
	out := materializeRecords(t, testutil.FloatRecord(0, 50, 4))
	h := newHandoff(t)

	for _, np := range query.BenchmarkPlans(10) {
		t.Run(np.Name, func(t *testing.T) {
			res, err := h.Run(context.Background(), out, np.Plan)
			require.NoError(t, err)
			assert.NotEmpty(t, res.Rows)
		})
	}
}

func TestHandoff_Persist(t *testing.T) {
	db := openDB(t)
	h := query.NewHandoff(db, slog.New(slog.DiscardHandler))
	out := materializeRecords(t, testutil.IDNameRecord(0, 6))
	ctx := context.Background()

	require.NoError(t, h.Persist(ctx, out, query.SelectAll(), "fetched", false))

	var n int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM fetched`).Scan(&n))
	assert.Equal(t, int64(6), n)

	err := h.Persist(ctx, out, query.SelectAll(), "fetched", false)
	require.ErrorIs(t, err, query.ErrTableExists)

	require.NoError(t, h.Persist(ctx, out, query.Select("id").Filter("id < 2"), "fetched", true))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM fetched`).Scan(&n))
	assert.Equal(t, int64(2), n)
}

func TestHandoff_PersistEmptyWithSchema(t *testing.T) {
	db := openDB(t)
	h := query.NewHandoff(db, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	out := &domain.Outcome{State: domain.StateEmpty, Schema: testutil.IDNameSchema()}

	require.NoError(t, h.Persist(ctx, out, query.SelectAll(), "empty_result", false))

	var typ string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT data_type FROM information_schema.columns WHERE table_name = 'empty_result' AND column_name = 'id'`).Scan(&typ))
	assert.Equal(t, "BIGINT", typ)
}

func TestHandoff_ConcurrentRuns(t *testing.T) {
	out := materializeRecords(t, testutil.IDNameRecord(0, 100))
	h := newHandoff(t)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			res, err := h.Run(context.Background(), out, query.Select("count(*)"))
			if err == nil && res.Rows[0][0] != int64(100) {
				err = errors.New("unexpected count")
			}
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
}
