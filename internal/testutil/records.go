package testutil

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// IDNameSchema is the (id: int64, name: utf8) schema used across tests.
func IDNameSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

// IDNameRecord builds n rows with ids start..start+n-1 and names "row-<id>".
func IDNameRecord(start, n int64) arrow.Record {
	mem := memory.DefaultAllocator
	ids := array.NewInt64Builder(mem)
	names := array.NewStringBuilder(mem)
	defer ids.Release()
	defer names.Release()

	for i := start; i < start+n; i++ {
		ids.Append(i)
		names.Append(fmt.Sprintf("row-%d", i))
	}

	cols := []arrow.Array{ids.NewArray(), names.NewArray()}
	rec := array.NewRecord(IDNameSchema(), cols, n)
	for _, c := range cols {
		c.Release()
	}
	return rec
}

// FloatRecord builds n rows of col_0..col_{width-1} with value row*10+col,
// offset by start rows.
func FloatRecord(start, n int64, width int) arrow.Record {
	mem := memory.DefaultAllocator
	fields := make([]arrow.Field, width)
	cols := make([]arrow.Array, width)
	for c := 0; c < width; c++ {
		fields[c] = arrow.Field{Name: fmt.Sprintf("col_%d", c), Type: arrow.PrimitiveTypes.Float64}
		b := array.NewFloat64Builder(mem)
		for r := start; r < start+n; r++ {
			b.Append(float64(r*10 + int64(c)))
		}
		cols[c] = b.NewArray()
		b.Release()
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), cols, n)
	for _, c := range cols {
		c.Release()
	}
	return rec
}

// Int64Values copies column idx of rec, which must be an int64 column.
func Int64Values(rec arrow.Record, idx int) []int64 {
	col := rec.Column(idx).(*array.Int64)
	out := make([]int64, col.Len())
	copy(out, col.Int64Values())
	return out
}

// StringValues copies column idx of rec, which must be a utf8 column.
func StringValues(rec arrow.Record, idx int) []string {
	col := rec.Column(idx).(*array.String)
	out := make([]string, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out
}

// NullableIDRecord builds an (id: int64 nullable, name: utf8) record. A false
// entry in valid makes that id null while keeping ids[i] in the value buffer.
func NullableIDRecord(ids []int64, valid []bool) arrow.Record {
	mem := memory.DefaultAllocator
	idb := array.NewInt64Builder(mem)
	names := array.NewStringBuilder(mem)
	defer idb.Release()
	defer names.Release()

	idb.AppendValues(ids, valid)
	for _, id := range ids {
		names.Append(fmt.Sprintf("row-%d", id))
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	cols := []arrow.Array{idb.NewArray(), names.NewArray()}
	rec := array.NewRecord(schema, cols, int64(len(ids)))
	for _, c := range cols {
		c.Release()
	}
	return rec
}
