// Package container writes and reads the on-disk columnar container that a
// materialized stream is persisted into. The container is a Parquet file:
// a magic header at open, one row group per non-empty chunk in arrival order,
// and a footer (schema, row-group offsets, row counts) written at finalize.
package container

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"duck-flight/internal/domain"
)

// DefaultMaxRowGroupLength keeps one row group per appended chunk for any
// realistic chunk size.
const DefaultMaxRowGroupLength = 1 << 26

type options struct {
	codec       compress.Compression
	maxRowGroup int64
	path        string
	alloc       memory.Allocator
}

// Option configures a Writer.
type Option func(*options)

// WithCompression sets the column chunk compression codec.
func WithCompression(c compress.Compression) Option {
	return func(o *options) { o.codec = c }
}

// WithMaxRowGroupLength caps the rows per row group. Chunks larger than the
// cap are split across several row groups.
func WithMaxRowGroupLength(n int64) Option {
	return func(o *options) { o.maxRowGroup = n }
}

// WithPath records the sink's location for error messages.
func WithPath(p string) Option {
	return func(o *options) { o.path = p }
}

// WithAllocator sets the allocator used for encoding buffers.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.alloc = mem }
}

// ParseCompression maps a codec name to a Parquet codec.
func ParseCompression(name string) (compress.Compression, error) {
	switch name {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression %q: use snappy, zstd, gzip or none", name)
	}
}

// Stats summarizes what a Writer has written.
type Stats struct {
	Rows      int64
	Chunks    int
	RowGroups int
	Bytes     int64
}

// Writer appends chunks to one container under a fixed schema.
// A Writer is not safe for concurrent use.
type Writer struct {
	schema    *arrow.Schema
	path      string
	sink      *countingWriter
	fw        *pqarrow.FileWriter
	maxRG     int64
	stats     Stats
	finalized bool
	failed    bool
}

// Open binds a writer to sink under schema and writes the container header.
func Open(schema *arrow.Schema, sink io.Writer, opts ...Option) (w *Writer, err error) {
	o := options{codec: compress.Codecs.Snappy, maxRowGroup: DefaultMaxRowGroupLength, alloc: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	if schema == nil {
		return nil, domain.ErrWrite("open", o.path, fmt.Errorf("schema is nil"))
	}

	cw := &countingWriter{w: sink}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(o.codec),
		parquet.WithMaxRowGroupLength(o.maxRowGroup),
		parquet.WithAllocator(o.alloc),
		parquet.WithCreatedBy("duck-flight"),
	)
	arrProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(o.alloc),
	)

	var fw *pqarrow.FileWriter
	err = guard(func() error {
		var ferr error
		fw, ferr = pqarrow.NewFileWriter(schema, cw, props, arrProps)
		return ferr
	})
	if err != nil {
		return nil, domain.ErrWrite("open", o.path, err)
	}
	return &Writer{schema: schema, path: o.path, sink: cw, fw: fw, maxRG: o.maxRowGroup}, nil
}

// Schema returns the container schema.
func (w *Writer) Schema() *arrow.Schema { return w.schema }

// Stats returns the counters accumulated so far.
func (w *Writer) Stats() Stats {
	s := w.stats
	s.Bytes = w.sink.n
	return s
}

// Failed reports whether a previous append or finalize failed.
func (w *Writer) Failed() bool { return w.failed }

// Finalized reports whether the footer has been written.
func (w *Writer) Finalized() bool { return w.finalized }

// Append writes one chunk. Zero-row chunks are counted but produce no row
// group. The caller keeps ownership of rec.
func (w *Writer) Append(rec arrow.Record) error {
	switch {
	case w.finalized:
		return domain.ErrWrite("append", w.path, domain.ErrAlreadyFinalized)
	case w.failed:
		return domain.ErrWrite("append", w.path, domain.ErrWriterPoisoned)
	}

	// Required columns drop the validity bitmap, so nulls there are refused
	// before anything reaches the sink. The writer stays usable.
	if diffs := domain.NullViolations(w.schema, rec); len(diffs) > 0 {
		return &domain.SchemaMismatchError{Chunk: w.stats.Chunks, Diffs: diffs}
	}

	w.stats.Chunks++
	if rec.NumRows() == 0 {
		return nil
	}

	// Chunks that passed the schema gate may still differ in declared
	// nullability or metadata; the parquet writer requires exact schema
	// equality.
	if !rec.Schema().Equal(w.schema) {
		rec = array.NewRecord(w.schema, rec.Columns(), rec.NumRows())
		defer rec.Release()
	}

	if err := guard(func() error { return w.fw.Write(rec) }); err != nil {
		w.failed = true
		return domain.ErrWrite("append", w.path, err)
	}
	w.stats.Rows += rec.NumRows()
	w.stats.RowGroups += int((rec.NumRows() + w.maxRG - 1) / w.maxRG)
	return nil
}

// Finalize writes the footer. It succeeds at most once; later calls return
// ErrAlreadyFinalized without touching the sink. The sink itself is not
// closed.
func (w *Writer) Finalize() (Stats, error) {
	switch {
	case w.finalized:
		return w.Stats(), domain.ErrWrite("finalize", w.path, domain.ErrAlreadyFinalized)
	case w.failed:
		return w.Stats(), domain.ErrWrite("finalize", w.path, domain.ErrWriterPoisoned)
	}

	w.finalized = true
	if err := guard(w.fw.Close); err != nil {
		w.failed = true
		return w.Stats(), domain.ErrWrite("finalize", w.path, err)
	}
	return w.Stats(), nil
}

// guard runs fn and converts a panic into an error. The parquet writer
// panics when the sink rejects the header magic bytes.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parquet writer: %v", r)
		}
	}()
	return fn()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
