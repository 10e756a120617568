// Package schemagate freezes the schema of the first chunk of a stream and
// decides whether each later chunk may be appended under it.
package schemagate

import (
	"github.com/apache/arrow-go/v18/arrow"

	"duck-flight/internal/domain"
)

// Kind classifies a Decision.
type Kind int

const (
	FirstChunk Kind = iota
	Continue
	Reject
)

func (k Kind) String() string {
	switch k {
	case FirstChunk:
		return "first"
	case Continue:
		return "continue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the verdict for one observed chunk.
// Schema is set for FirstChunk; Err is set for Reject.
type Decision struct {
	Kind   Kind
	Schema *arrow.Schema
	Err    *domain.SchemaMismatchError
}

// Gate holds the frozen schema. The zero value is ready to use.
// A Gate is not safe for concurrent use.
type Gate struct {
	frozen *arrow.Schema
	seen   int
}

// New returns an empty Gate.
func New() *Gate {
	return &Gate{}
}

// Schema returns the frozen schema, or nil before the first chunk.
func (g *Gate) Schema() *arrow.Schema {
	return g.frozen
}

// Observe classifies the chunk's schema. The first call freezes it.
func (g *Gate) Observe(schema *arrow.Schema) Decision {
	idx := g.seen
	g.seen++

	if g.frozen == nil {
		g.frozen = schema
		return Decision{Kind: FirstChunk, Schema: schema}
	}

	diffs := Diff(g.frozen, schema)
	if len(diffs) == 0 {
		return Decision{Kind: Continue}
	}
	return Decision{Kind: Reject, Err: &domain.SchemaMismatchError{Chunk: idx, Diffs: diffs}}
}

// Admit classifies rec like Observe and additionally rejects a chunk that
// carries nulls in a column the frozen schema declares non-nullable. The
// container writes such columns as required, so the nulls would otherwise be
// stored as the values underneath them.
func (g *Gate) Admit(rec arrow.Record) Decision {
	d := g.Observe(rec.Schema())
	if d.Kind == Reject {
		return d
	}
	if diffs := domain.NullViolations(g.frozen, rec); len(diffs) > 0 {
		return Decision{Kind: Reject, Err: &domain.SchemaMismatchError{Chunk: g.seen - 1, Diffs: diffs}}
	}
	return d
}

// Diff lists every position where actual disagrees with expected by column
// name or Arrow type. Declared nullability and metadata are ignored; Admit
// checks the data itself.
func Diff(expected, actual *arrow.Schema) []domain.ColumnDiff {
	n := max(expected.NumFields(), actual.NumFields())

	var diffs []domain.ColumnDiff
	for i := 0; i < n; i++ {
		var exp, act *arrow.Field
		if i < expected.NumFields() {
			f := expected.Field(i)
			exp = &f
		}
		if i < actual.NumFields() {
			f := actual.Field(i)
			act = &f
		}
		if exp != nil && act != nil && exp.Name == act.Name && arrow.TypeEqual(exp.Type, act.Type) {
			continue
		}
		diffs = append(diffs, domain.ColumnDiff{Position: i, Expected: exp, Actual: act})
	}
	return diffs
}
