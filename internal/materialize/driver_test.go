package materialize_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-flight/internal/container"
	"duck-flight/internal/domain"
	"duck-flight/internal/materialize"
	"duck-flight/internal/testutil"
)

func newDriver(t *testing.T, opts materialize.Options) (*materialize.Driver, string) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	return materialize.New(opts, slog.New(slog.DiscardHandler)), opts.Dir
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func readIDs(t *testing.T, path string) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, container.ReadChunks(context.Background(), path, func(_ int, rec arrow.Record) error {
		ids = append(ids, testutil.Int64Values(rec, 0)...)
		return nil
	}))
	return ids
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestDriver_TenZeroFive(t *testing.T) {
	src := testutil.NewMockChunkSource(
		testutil.IDNameRecord(0, 10),
		testutil.IDNameRecord(0, 0),
		testutil.IDNameRecord(10, 5),
	)
	defer src.Close() //nolint:errcheck

	var seen []int64
	d, _ := newDriver(t, materialize.Options{OnChunk: func(_ int, rows int64) { seen = append(seen, rows) }})
	out, err := d.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, out.State)
	assert.Equal(t, domain.StateDone, d.State())
	assert.Equal(t, int64(15), out.Rows)
	assert.Equal(t, 3, out.Chunks)
	assert.Equal(t, 2, out.RowGroups)
	assert.Equal(t, []int64{10, 0, 5}, seen)
	assert.True(t, out.HasContainer())
	assert.Equal(t, seq(0, 15), readIDs(t, out.Location))
}

func TestDriver_PreservesOrderAcrossManyChunks(t *testing.T) {
	var recs []arrow.Record
	var total int64
	for i := int64(1); i <= 20; i++ {
		recs = append(recs, testutil.IDNameRecord(total, i))
		total += i
	}
	src := testutil.NewMockChunkSource(recs...)
	defer src.Close() //nolint:errcheck

	d, _ := newDriver(t, materialize.Options{})
	out, err := d.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, total, out.Rows)
	assert.Equal(t, seq(0, total), readIDs(t, out.Location))
}

func TestDriver_EmptyStream(t *testing.T) {
	src := testutil.NewMockChunkSource()
	d, dir := newDriver(t, materialize.Options{})

	out, err := d.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmpty, out.State)
	assert.False(t, out.HasContainer())
	assert.Nil(t, out.Schema)
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_EmptyStreamCarriesAdvertisedSchema(t *testing.T) {
	src := testutil.NewMockChunkSource()
	src.Advertised = testutil.IDNameSchema()
	d, _ := newDriver(t, materialize.Options{})

	out, err := d.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmpty, out.State)
	require.NotNil(t, out.Schema)
	assert.Equal(t, "id", out.Schema.Field(0).Name)
}

func TestDriver_SchemaMismatchAborts(t *testing.T) {
	src := testutil.NewMockChunkSource(
		testutil.IDNameRecord(0, 3),
		testutil.FloatRecord(0, 3, 2),
	)
	defer src.Close() //nolint:errcheck

	d, dir := newDriver(t, materialize.Options{PartialOnTransportError: true})
	out, err := d.Run(context.Background(), src)
	require.Error(t, err)

	var mismatch *domain.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Chunk)
	assert.Len(t, mismatch.Diffs, 2)

	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_TransportErrorWithoutPartialPolicy(t *testing.T) {
	boom := errors.New("connection reset")
	src := &testutil.MockChunkSource{Steps: []testutil.Step{
		{Rec: testutil.IDNameRecord(0, 4)},
		{Rec: testutil.IDNameRecord(4, 4)},
		{Err: boom},
	}}
	defer src.Close() //nolint:errcheck

	d, dir := newDriver(t, materialize.Options{})
	out, err := d.Run(context.Background(), src)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_TransportErrorKeepsPartialContainer(t *testing.T) {
	boom := errors.New("stream aborted")
	src := &testutil.MockChunkSource{Steps: []testutil.Step{
		{Rec: testutil.IDNameRecord(0, 4)},
		{Rec: testutil.IDNameRecord(4, 6)},
		{Err: boom},
	}}
	defer src.Close() //nolint:errcheck

	d, _ := newDriver(t, materialize.Options{PartialOnTransportError: true})
	out, err := d.Run(context.Background(), src)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, domain.StateFailed, out.State)
	assert.True(t, out.Partial)
	require.True(t, out.HasContainer())
	assert.Equal(t, int64(10), out.Rows)
	assert.Equal(t, seq(0, 10), readIDs(t, out.Location))
}

func TestDriver_TransportErrorBeforeFirstChunk(t *testing.T) {
	src := &testutil.MockChunkSource{Steps: []testutil.Step{{Err: errors.New("dial failed")}}}

	d, dir := newDriver(t, materialize.Options{PartialOnTransportError: true})
	out, err := d.Run(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_CancelDiscardsEvenWithPartialPolicy(t *testing.T) {
	src := &testutil.MockChunkSource{Steps: []testutil.Step{
		{Rec: testutil.IDNameRecord(0, 4)},
		{Block: true},
	}}
	defer src.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, dir := newDriver(t, materialize.Options{PartialOnTransportError: true})
	out, err := d.Run(ctx, src)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_CanceledBeforeStart(t *testing.T) {
	src := testutil.NewMockChunkSource(testutil.IDNameRecord(0, 1))
	defer src.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, _ := newDriver(t, materialize.Options{})
	out, err := d.Run(ctx, src)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.Equal(t, 0, src.Pulls)
}

func TestDriver_SingleUse(t *testing.T) {
	d, _ := newDriver(t, materialize.Options{})
	_, err := d.Run(context.Background(), testutil.NewMockChunkSource())
	require.NoError(t, err)

	out, err := d.Run(context.Background(), testutil.NewMockChunkSource())
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.Equal(t, domain.StateEmpty, d.State())
}

func TestDriver_UnusableDirIsWriteError(t *testing.T) {
	blocker := t.TempDir() + "/file"
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	src := testutil.NewMockChunkSource(testutil.IDNameRecord(0, 1))
	defer src.Close() //nolint:errcheck

	d := materialize.New(materialize.Options{Dir: blocker}, slog.New(slog.DiscardHandler))
	out, err := d.Run(context.Background(), src)

	var werr *domain.WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, domain.StateFailed, out.State)
}

// funcSource adapts a function to domain.ChunkSource.
type funcSource func(ctx context.Context, pull int) (arrow.Record, error)

type scriptedSource struct {
	next  funcSource
	pulls int
}

func (s *scriptedSource) Next(ctx context.Context) (arrow.Record, error) {
	pull := s.pulls
	s.pulls++
	return s.next(ctx, pull)
}

func (s *scriptedSource) Close() error { return nil }

func TestDriver_NullInRequiredColumnAborts(t *testing.T) {
	src := testutil.NewMockChunkSource(
		testutil.IDNameRecord(1, 2),
		testutil.NullableIDRecord([]int64{3, 99}, []bool{true, false}),
	)
	defer src.Close() //nolint:errcheck

	d, dir := newDriver(t, materialize.Options{PartialOnTransportError: true})
	out, err := d.Run(context.Background(), src)

	var mismatch *domain.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Chunk)
	assert.Equal(t, 1, mismatch.Diffs[0].Nulls)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_NullableChunksKeepNulls(t *testing.T) {
	src := testutil.NewMockChunkSource(
		testutil.NullableIDRecord([]int64{1, 2}, nil),
		testutil.NullableIDRecord([]int64{3, 99}, []bool{true, false}),
	)
	defer src.Close() //nolint:errcheck

	d, _ := newDriver(t, materialize.Options{})
	out, err := d.Run(context.Background(), src)
	require.NoError(t, err)

	var nulls []bool
	require.NoError(t, container.ReadChunks(context.Background(), out.Location, func(_ int, rec arrow.Record) error {
		col := rec.Column(0)
		for i := 0; i < col.Len(); i++ {
			nulls = append(nulls, col.IsNull(i))
		}
		return nil
	}))
	assert.Equal(t, []bool{false, false, false, true}, nulls)
}

func TestDriver_CancelThenCleanEndIsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := testutil.IDNameRecord(0, 4)
	defer first.Release()
	src := &scriptedSource{next: func(ctx context.Context, pull int) (arrow.Record, error) {
		if pull == 0 {
			first.Retain()
			return first, nil
		}
		cancel()
		<-ctx.Done()
		return nil, io.EOF
	}}

	d, dir := newDriver(t, materialize.Options{PartialOnTransportError: true})
	out, err := d.Run(ctx, src)
	require.ErrorIs(t, err, context.Canceled)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.HasContainer())
	assert.False(t, out.Partial)
	assert.Empty(t, dirEntries(t, dir))
}

func TestDriver_NilRecordIsTransportError(t *testing.T) {
	src := &scriptedSource{next: func(context.Context, int) (arrow.Record, error) {
		return nil, nil
	}}

	d, dir := newDriver(t, materialize.Options{})
	out, err := d.Run(context.Background(), src)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "source returned nil record")
	assert.Equal(t, domain.StateFailed, out.State)
	assert.Empty(t, dirEntries(t, dir))
}

// fullDisk accepts limit bytes and then fails every write.
type fullDisk struct {
	w     io.Writer
	limit int
	n     int
}

func (f *fullDisk) Write(p []byte) (int, error) {
	if f.n+len(p) > f.limit {
		return 0, errors.New("no space left on device")
	}
	f.n += len(p)
	return f.w.Write(p)
}

func TestDriver_SinkFailureMidStreamLeavesNothing(t *testing.T) {
	src := testutil.NewMockChunkSource(
		testutil.IDNameRecord(0, 1000),
		testutil.IDNameRecord(1000, 1000),
		testutil.IDNameRecord(2000, 1000),
	)
	defer src.Close() //nolint:errcheck

	var sink *fullDisk
	d, dir := newDriver(t, materialize.Options{
		PartialOnTransportError: true,
		WrapSink: func(w io.Writer) io.Writer {
			sink = &fullDisk{w: w, limit: 64}
			return sink
		},
	})
	out, err := d.Run(context.Background(), src)

	var werr *domain.WriteError
	require.ErrorAs(t, err, &werr)
	require.NotNil(t, sink)
	assert.Equal(t, domain.StateFailed, out.State)
	assert.False(t, out.Partial)
	assert.Empty(t, out.Location)
	assert.Empty(t, dirEntries(t, dir))
}
