// Package materialize drives a chunk stream into a finalized container.
//
// The Driver is an explicit state machine:
//
//	Idle    --first chunk-->  Writing
//	Idle    --end of stream-> Empty
//	Writing --chunk-->        Writing
//	Writing --end of stream-> Done
//	any     --error/cancel--> Failed
//
// Terminal states are final. The container file is owned by the driver until
// Done, when its path is handed to the caller; on every other exit the file
// is removed, except for a partial container kept under the partial policy.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet/compress"

	"duck-flight/internal/container"
	"duck-flight/internal/domain"
	"duck-flight/internal/schemagate"
)

// Options configures a Driver.
type Options struct {
	// Dir is where the container file is created (os.TempDir when empty).
	Dir string
	// Compression is the container codec (snappy when nil).
	Compression *compress.Compression
	// MaxRowGroupLength caps rows per row group (container default when 0).
	MaxRowGroupLength int64
	// PartialOnTransportError finalizes and keeps the container when the
	// source fails after at least one successful append.
	PartialOnTransportError bool
	// OnChunk, when set, is called after every appended chunk.
	OnChunk func(idx int, rows int64)
	// WrapSink, when set, wraps the container file before the writer opens
	// it, e.g. to meter or throttle container writes.
	WrapSink func(io.Writer) io.Writer
}

var errNilRecord = errors.New("source returned nil record")

// Driver materializes one stream. It is single-use and not safe for
// concurrent use.
type Driver struct {
	opts   Options
	logger *slog.Logger

	state  domain.State
	gate   *schemagate.Gate
	res    *container.Resource
	writer *container.Writer
	chunks int
}

// New creates an idle Driver.
func New(opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{opts: opts, logger: logger, state: domain.StateIdle, gate: schemagate.New()}
}

// State returns the current state.
func (d *Driver) State() domain.State { return d.state }

// Run pulls chunks from src until it is exhausted, fails, or ctx is done.
// The returned Outcome is never nil. For StateFailed the error is also
// returned; StateEmpty is not an error. Run does not close src.
func (d *Driver) Run(ctx context.Context, src domain.ChunkSource) (*domain.Outcome, error) {
	if d.state != domain.StateIdle {
		err := fmt.Errorf("materialize: driver already %s", d.state)
		return &domain.Outcome{State: domain.StateFailed, Err: err}, err
	}
	defer d.release()

	for {
		if err := ctx.Err(); err != nil {
			return d.fail(domain.ErrTransport("next", err), false)
		}

		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			// A source may answer cancellation by ending its stream.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return d.fail(domain.ErrTransport("next", ctxErr), false)
			}
			return d.finish(src)
		}
		if err != nil {
			// A canceled run never leaves a finalized-looking container.
			partial := d.opts.PartialOnTransportError && ctx.Err() == nil
			return d.fail(domain.ErrTransport("next", err), partial)
		}
		if rec == nil {
			return d.fail(domain.ErrTransport("next", errNilRecord), false)
		}

		err = d.consume(rec)
		rec.Release()
		if err != nil {
			return d.fail(err, false)
		}
	}
}

func (d *Driver) consume(rec arrow.Record) error {
	dec := d.gate.Admit(rec)
	switch dec.Kind {
	case schemagate.Reject:
		return dec.Err
	case schemagate.FirstChunk:
		if err := d.open(dec.Schema); err != nil {
			return err
		}
	}

	if err := d.writer.Append(rec); err != nil {
		return err
	}
	idx := d.chunks
	d.chunks++
	d.logger.Debug("chunk appended", "chunk", idx, "rows", rec.NumRows())
	if d.opts.OnChunk != nil {
		d.opts.OnChunk(idx, rec.NumRows())
	}
	return nil
}

func (d *Driver) open(schema *arrow.Schema) error {
	res, err := container.CreateTemp(d.opts.Dir)
	if err != nil {
		return domain.ErrWrite("create", "", err)
	}
	d.res = res

	opts := []container.Option{container.WithPath(res.Path())}
	if d.opts.Compression != nil {
		opts = append(opts, container.WithCompression(*d.opts.Compression))
	}
	if d.opts.MaxRowGroupLength > 0 {
		opts = append(opts, container.WithMaxRowGroupLength(d.opts.MaxRowGroupLength))
	}
	var sink io.Writer = res.File()
	if d.opts.WrapSink != nil {
		sink = d.opts.WrapSink(sink)
	}
	w, err := container.Open(schema, sink, opts...)
	if err != nil {
		return err
	}
	d.writer = w
	d.state = domain.StateWriting
	d.logger.Debug("container opened", "path", res.Path(), "columns", schema.NumFields())
	return nil
}

func (d *Driver) finish(src domain.ChunkSource) (*domain.Outcome, error) {
	if d.state == domain.StateIdle {
		d.state = domain.StateEmpty
		out := &domain.Outcome{State: domain.StateEmpty}
		if adv, ok := src.(domain.SchemaAdvertiser); ok {
			out.Schema = adv.Schema()
		}
		d.logger.Info("stream ended without chunks", "schema_known", out.Schema != nil)
		return out, nil
	}

	out, err := d.seal()
	if err != nil {
		return d.fail(err, false)
	}
	d.state = domain.StateDone
	d.logger.Info("container finalized",
		"path", out.Location, "rows", out.Rows, "chunks", out.Chunks, "row_groups", out.RowGroups)
	return out, nil
}

// seal writes the footer and transfers the file to the caller.
func (d *Driver) seal() (*domain.Outcome, error) {
	stats, err := d.writer.Finalize()
	if err != nil {
		return nil, err
	}
	path, err := d.res.Commit()
	if err != nil {
		return nil, domain.ErrWrite("commit", d.res.Path(), err)
	}
	return &domain.Outcome{
		State:     domain.StateDone,
		Location:  path,
		Schema:    d.writer.Schema(),
		Rows:      stats.Rows,
		Chunks:    stats.Chunks,
		RowGroups: stats.RowGroups,
	}, nil
}

func (d *Driver) fail(cause error, partial bool) (*domain.Outcome, error) {
	d.state = domain.StateFailed
	out := &domain.Outcome{State: domain.StateFailed, Schema: d.gate.Schema(), Chunks: d.chunks, Err: cause}

	if partial && d.writer != nil && !d.writer.Failed() && d.chunks > 0 {
		sealed, err := d.seal()
		if err != nil {
			d.logger.Warn("partial container could not be finalized", "error", err)
		} else {
			out.Location = sealed.Location
			out.Rows = sealed.Rows
			out.RowGroups = sealed.RowGroups
			out.Partial = true
			d.logger.Warn("stream failed, kept partial container",
				"path", out.Location, "rows", out.Rows, "error", cause)
			return out, cause
		}
	}

	d.logger.Error("materialization failed", "error", cause, "chunks", d.chunks)
	return out, cause
}

// release discards the container file unless it was committed.
func (d *Driver) release() {
	if d.res == nil {
		return
	}
	if err := d.res.Discard(); err != nil {
		d.logger.Warn("container cleanup failed", "path", d.res.Path(), "error", err)
	}
}
