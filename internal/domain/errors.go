// Package domain defines core types, interfaces, and errors for the materialization pipeline.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// ErrEmptyResult marks a stream that ended before producing any chunk.
// It is a notice, not a failure: Outcome.State is StateEmpty when it applies.
var ErrEmptyResult = errors.New("empty result: no chunks received")

// ErrNoSchema is returned when a query needs column information but the
// stream never produced (or advertised) a schema.
var ErrNoSchema = errors.New("no schema available")

// ErrAlreadyFinalized is returned by a second Finalize on the same container.
var ErrAlreadyFinalized = errors.New("container already finalized")

// ErrWriterPoisoned is returned when a container is used after a failed write.
var ErrWriterPoisoned = errors.New("container writer failed a previous write")

// ColumnDiff describes one position where a chunk disagrees with the frozen
// container schema. Expected or Actual is nil when the column is missing on
// that side. Nulls is set when the column matches structurally but carries
// nulls the frozen field does not allow.
type ColumnDiff struct {
	Position int
	Expected *arrow.Field
	Actual   *arrow.Field
	Nulls    int
}

func (d ColumnDiff) String() string {
	if d.Nulls > 0 {
		return fmt.Sprintf("column %d: expected %s not null, got %d nulls", d.Position, describeField(d.Expected), d.Nulls)
	}
	return fmt.Sprintf("column %d: expected %s, got %s", d.Position, describeField(d.Expected), describeField(d.Actual))
}

// NullViolations lists the columns of rec that hold nulls where schema
// declares the field non-nullable. Columns are matched by position.
func NullViolations(schema *arrow.Schema, rec arrow.Record) []ColumnDiff {
	var diffs []ColumnDiff
	n := min(schema.NumFields(), int(rec.NumCols()))
	for i := 0; i < n; i++ {
		f := schema.Field(i)
		if f.Nullable {
			continue
		}
		if nulls := rec.Column(i).NullN(); nulls > 0 {
			act := rec.Schema().Field(i)
			diffs = append(diffs, ColumnDiff{Position: i, Expected: &f, Actual: &act, Nulls: nulls})
		}
	}
	return diffs
}

func describeField(f *arrow.Field) string {
	if f == nil {
		return "<missing>"
	}
	return fmt.Sprintf("%s %s", f.Name, f.Type)
}

// SchemaMismatchError indicates a chunk whose schema differs from the schema
// frozen from the first chunk.
type SchemaMismatchError struct {
	Chunk int // zero-based index of the offending chunk
	Diffs []ColumnDiff
}

func (e *SchemaMismatchError) Error() string {
	parts := make([]string, len(e.Diffs))
	for i, d := range e.Diffs {
		parts[i] = d.String()
	}
	return fmt.Sprintf("schema mismatch in chunk %d: %s", e.Chunk, strings.Join(parts, "; "))
}

// TransportError wraps a failure while pulling the next chunk from a source.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// WriteError wraps a sink-level failure of the container writer.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("container %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("container %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// QueryError indicates the container is unreadable or the query does not
// apply to its schema.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string { return fmt.Sprintf("query failed: %v", e.Err) }

func (e *QueryError) Unwrap() error { return e.Err }

// ErrTransport creates a TransportError for the given operation.
func ErrTransport(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ErrWrite creates a WriteError for the given operation and path.
func ErrWrite(op, path string, err error) *WriteError {
	return &WriteError{Op: op, Path: path, Err: err}
}

// ErrQuery creates a QueryError for the given query text.
func ErrQuery(query string, err error) *QueryError {
	return &QueryError{Query: query, Err: err}
}
