//go:build integration

package integration

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-flight/internal/container"
	"duck-flight/internal/domain"
	"duck-flight/internal/flight"
	"duck-flight/internal/materialize"
	"duck-flight/internal/query"
)

func TestPipeline_RandomTableEndToEnd(t *testing.T) {
	e := setup(t)
	table := flight.RandomTable{Rows: 50_000, Columns: 4, BatchSize: 10_000, Seed: 42}

	out, err := e.materialize(t, e.Client.Ticket(table.Ticket()), materialize.Options{})
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, out.State)
	assert.Equal(t, int64(50_000), out.Rows)
	assert.Equal(t, 5, out.Chunks)
	require.FileExists(t, out.Location)

	// Select-all returns rows in stream order.
	var want []float64
	err = container.ReadChunks(context.Background(), out.Location, func(_ int, rec arrow.Record) error {
		col := rec.Column(0).(*array.Float64)
		want = append(want, col.Float64Values()...)
		return nil
	})
	require.NoError(t, err)

	res, err := e.Handoff.Run(context.Background(), out, query.SelectAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"col_0", "col_1", "col_2", "col_3"}, res.Columns)
	require.Len(t, res.Rows, 50_000)
	for i := 0; i < len(want); i += 997 {
		require.Equal(t, want[i], res.Rows[i][0], "row %d", i)
	}

	for _, np := range query.BenchmarkPlans(10) {
		_, err := e.Handoff.Run(context.Background(), out, np.Plan)
		require.NoError(t, err, np.Name)
	}
}

func TestPipeline_SeededStreamsAreIdentical(t *testing.T) {
	e := setup(t)
	table := flight.RandomTable{Rows: 1_000, Columns: 2, BatchSize: 300, Seed: 9}
	sum := query.Select("sum(col_0)", "sum(col_1)")

	var totals [][]interface{}
	for range 2 {
		out, err := e.materialize(t, e.Client.Ticket(table.Ticket()), materialize.Options{})
		require.NoError(t, err)
		res, err := e.Handoff.Run(context.Background(), out, sum)
		require.NoError(t, err)
		totals = append(totals, res.Rows[0])
	}
	assert.Equal(t, totals[0], totals[1])
}

func TestPipeline_StatementAcrossEndpoints(t *testing.T) {
	e := setup(t, flight.WithEndpointRows(100), flight.WithStatementBatchSize(30))

	out, err := e.materialize(t,
		e.Client.Statement("SELECT range AS id, range % 7 AS bucket FROM range(1000)"), materialize.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), out.Rows)

	res, err := e.Handoff.Run(context.Background(), out, query.SelectAll())
	require.NoError(t, err)
	require.Len(t, res.Rows, 1000)
	for i, row := range res.Rows {
		require.Equal(t, int64(i), row[0])
	}

	res, err = e.Handoff.Run(context.Background(), out,
		query.Select("bucket", "count(*) AS n").Group("bucket").Order("bucket"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 7)
	assert.Equal(t, int64(143), res.Rows[0][1])
}

func TestPipeline_PartialContainerOnAbort(t *testing.T) {
	e := setup(t)
	table := flight.RandomTable{Rows: 100, Columns: 3, BatchSize: 20, FailAfter: 2}

	out, err := e.materialize(t, e.Client.Ticket(table.Ticket()),
		materialize.Options{PartialOnTransportError: true})
	require.Error(t, err)
	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)

	assert.Equal(t, domain.StateFailed, out.State)
	assert.True(t, out.Partial)
	assert.Equal(t, int64(40), out.Rows)
	require.FileExists(t, out.Location)

	res, err := e.Handoff.Run(context.Background(), out, query.Select("count(*)"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Rows[0][0])
}

func TestPipeline_AbortWithoutPartialLeavesNothing(t *testing.T) {
	e := setup(t)
	table := flight.RandomTable{Rows: 100, Columns: 3, BatchSize: 20, FailAfter: 2}

	out, err := e.materialize(t, e.Client.Ticket(table.Ticket()), materialize.Options{})
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())

	entries, err := os.ReadDir(e.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = e.Handoff.Run(context.Background(), out, query.SelectAll())
	var qerr *domain.QueryError
	require.ErrorAs(t, err, &qerr)
}

func TestPipeline_EmptyTable(t *testing.T) {
	e := setup(t)
	table := flight.RandomTable{Rows: 0, Columns: 2, BatchSize: 10}

	out, err := e.materialize(t, e.Client.Ticket(table.Ticket()), materialize.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmpty, out.State)
	assert.False(t, out.HasContainer())
	require.NotNil(t, out.Schema)

	res, err := e.Handoff.Run(context.Background(), out,
		query.Select("col_0", "count(*)").Group("col_0"))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Len(t, res.Columns, 2)
}

func TestPipeline_CancelMidStream(t *testing.T) {
	e := setup(t, flight.WithBatchRate(5))
	table := flight.RandomTable{Rows: 1_000, Columns: 2, BatchSize: 10}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := e.Client.Ticket(table.Ticket())
	t.Cleanup(func() { _ = src.Close() })

	start := time.Now()
	out, err := materialize.New(materialize.Options{
		Dir:                     e.Dir,
		PartialOnTransportError: true,
		OnChunk:                 func(int, int64) { cancel() },
	}, e.Logger).Run(ctx, src)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.Partial, "a canceled run is never kept as partial")

	entries, err := os.ReadDir(e.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_ConcurrentMaterializations(t *testing.T) {
	e := setup(t)
	const n = 4

	outs := make([]*domain.Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table := flight.RandomTable{Rows: int64(1000 * (i + 1)), Columns: 2, BatchSize: 250}
			src := e.Client.Ticket(table.Ticket())
			defer src.Close() //nolint:errcheck
			outs[i], errs[i] = materialize.New(materialize.Options{Dir: e.Dir}, e.Logger).Run(context.Background(), src)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1000*(i+1)), outs[i].Rows)
		assert.False(t, seen[outs[i].Location])
		seen[outs[i].Location] = true

		res, err := e.Handoff.Run(context.Background(), outs[i], query.Select("count(*)"))
		require.NoError(t, err)
		assert.Equal(t, int64(1000*(i+1)), res.Rows[0][0])
	}
}
