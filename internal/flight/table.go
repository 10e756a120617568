package flight

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// randomPrefix marks plain Flight tickets that request a generated table.
// Flight SQL tickets are protobuf Any messages and never start with it.
var randomPrefix = []byte("random?")

// Generator defaults, matching the demo workload.
const (
	DefaultRows      = 1_000_000
	DefaultColumns   = 4
	DefaultBatchSize = 200_000
)

// RandomTable describes a generated table of float64 columns
// col_0..col_{Columns-1} served in batches of BatchSize rows.
type RandomTable struct {
	Rows      int64
	Columns   int
	BatchSize int64
	// Seed makes the values reproducible; 0 picks a random seed.
	Seed uint64
	// FailAfter aborts the stream after that many batches; 0 never fails.
	FailAfter int
}

// DefaultRandomTable returns the demo table shape.
func DefaultRandomTable() RandomTable {
	return RandomTable{Rows: DefaultRows, Columns: DefaultColumns, BatchSize: DefaultBatchSize}
}

// Ticket encodes t as a plain Flight ticket.
func (t RandomTable) Ticket() []byte {
	q := url.Values{}
	q.Set("rows", strconv.FormatInt(t.Rows, 10))
	q.Set("columns", strconv.Itoa(t.Columns))
	q.Set("batch", strconv.FormatInt(t.BatchSize, 10))
	if t.Seed != 0 {
		q.Set("seed", strconv.FormatUint(t.Seed, 10))
	}
	if t.FailAfter > 0 {
		q.Set("fail_after", strconv.Itoa(t.FailAfter))
	}
	return append(bytes.Clone(randomPrefix), q.Encode()...)
}

// ParseTicket decodes a random table ticket. ok is false when ticket is not
// a random table request at all.
func ParseTicket(ticket []byte) (t RandomTable, ok bool, err error) {
	if !bytes.HasPrefix(ticket, randomPrefix) {
		return RandomTable{}, false, nil
	}
	q, err := url.ParseQuery(string(ticket[len(randomPrefix):]))
	if err != nil {
		return RandomTable{}, true, fmt.Errorf("parse ticket: %w", err)
	}

	t = DefaultRandomTable()
	ints := []struct {
		key string
		dst *int64
	}{
		{"rows", &t.Rows},
		{"batch", &t.BatchSize},
	}
	for _, f := range ints {
		if v := q.Get(f.key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return RandomTable{}, true, fmt.Errorf("parse ticket %s: %w", f.key, err)
			}
			*f.dst = n
		}
	}
	if v := q.Get("columns"); v != "" {
		if t.Columns, err = strconv.Atoi(v); err != nil {
			return RandomTable{}, true, fmt.Errorf("parse ticket columns: %w", err)
		}
	}
	if v := q.Get("fail_after"); v != "" {
		if t.FailAfter, err = strconv.Atoi(v); err != nil {
			return RandomTable{}, true, fmt.Errorf("parse ticket fail_after: %w", err)
		}
	}
	if v := q.Get("seed"); v != "" {
		if t.Seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return RandomTable{}, true, fmt.Errorf("parse ticket seed: %w", err)
		}
	}
	return t, true, t.Validate()
}

// Validate rejects shapes the generator cannot serve.
func (t RandomTable) Validate() error {
	switch {
	case t.Rows < 0:
		return fmt.Errorf("rows must not be negative, got %d", t.Rows)
	case t.Columns < 1:
		return fmt.Errorf("columns must be positive, got %d", t.Columns)
	case t.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", t.BatchSize)
	}
	return nil
}

// Schema returns the table schema.
func (t RandomTable) Schema() *arrow.Schema {
	fields := make([]arrow.Field, t.Columns)
	for i := range fields {
		fields[i] = arrow.Field{Name: fmt.Sprintf("col_%d", i), Type: arrow.PrimitiveTypes.Float64}
	}
	return arrow.NewSchema(fields, nil)
}

// Batches returns the number of batches the table is split into.
func (t RandomTable) Batches() int {
	if t.Rows == 0 {
		return 0
	}
	return int((t.Rows + t.BatchSize - 1) / t.BatchSize)
}

// generator produces the batches of one RandomTable in order.
type generator struct {
	table  RandomTable
	schema *arrow.Schema
	mem    memory.Allocator
	rng    *rand.Rand
	sent   int64
}

func newGenerator(t RandomTable, mem memory.Allocator) *generator {
	seed := t.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &generator{
		table:  t,
		schema: t.Schema(),
		mem:    mem,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// next returns the next batch, or nil when the table is exhausted.
func (g *generator) next() arrow.Record {
	n := min(g.table.BatchSize, g.table.Rows-g.sent)
	if n <= 0 {
		return nil
	}
	cols := make([]arrow.Array, g.table.Columns)
	b := array.NewFloat64Builder(g.mem)
	defer b.Release()
	for c := range cols {
		b.Reserve(int(n))
		for i := int64(0); i < n; i++ {
			b.UnsafeAppend(g.rng.Float64())
		}
		cols[c] = b.NewArray()
	}
	rec := array.NewRecord(g.schema, cols, n)
	for _, c := range cols {
		c.Release()
	}
	g.sent += n
	return rec
}
