package container

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"duck-flight/internal/domain"
)

// Info is the footer metadata of a finalized container.
type Info struct {
	Path      string
	Schema    *arrow.Schema
	Rows      int64
	RowGroups []int64 // rows per row group, in file order
	CreatedBy string
	Bytes     int64
}

// Outcome describes an existing container as a completed materialization,
// so it can be handed to a query without re-fetching.
func (i *Info) Outcome() *domain.Outcome {
	return &domain.Outcome{
		State:     domain.StateDone,
		Location:  i.Path,
		Schema:    i.Schema,
		Rows:      i.Rows,
		RowGroups: len(i.RowGroups),
	}
}

// Inspect reads only the container footer.
func Inspect(path string) (*Info, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", path, err)
	}
	defer rdr.Close() //nolint:errcheck

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("read container %s: %w", path, err)
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("read container schema %s: %w", path, err)
	}

	md := rdr.MetaData()
	info := &Info{
		Path:      path,
		Schema:    schema,
		Rows:      rdr.NumRows(),
		RowGroups: make([]int64, rdr.NumRowGroups()),
		CreatedBy: md.GetCreatedBy(),
	}
	for i := range info.RowGroups {
		info.RowGroups[i] = md.RowGroup(i).NumRows()
	}
	if st, err := os.Stat(path); err == nil {
		info.Bytes = st.Size()
	}
	return info, nil
}

// ReadChunks calls fn once per row group, in file order, with a record that
// holds exactly that row group's rows. Because the writer emits one row group
// per non-empty chunk, this reproduces the original chunk boundaries. The
// record is released after fn returns.
func ReadChunks(ctx context.Context, path string, fn func(idx int, rec arrow.Record) error) error {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return fmt.Errorf("open container %s: %w", path, err)
	}
	defer rdr.Close() //nolint:errcheck

	mem := memory.DefaultAllocator
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return fmt.Errorf("read container %s: %w", path, err)
	}

	cols := make([]int, rdr.MetaData().Schema.NumColumns())
	for i := range cols {
		cols[i] = i
	}

	for rg := 0; rg < rdr.NumRowGroups(); rg++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tbl, err := fr.ReadRowGroups(ctx, cols, []int{rg})
		if err != nil {
			return fmt.Errorf("read row group %d: %w", rg, err)
		}
		rec, err := tableToRecord(tbl, mem)
		tbl.Release()
		if err != nil {
			return fmt.Errorf("read row group %d: %w", rg, err)
		}
		err = fn(rg, rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// tableToRecord flattens each column of tbl into a single array.
func tableToRecord(tbl arrow.Table, mem memory.Allocator) (arrow.Record, error) {
	cols := make([]arrow.Array, tbl.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for i := range cols {
		chunks := tbl.Column(i).Data().Chunks()
		switch len(chunks) {
		case 0:
			cols[i] = array.MakeArrayOfNull(mem, tbl.Schema().Field(i).Type, 0)
			continue
		case 1:
			chunks[0].Retain()
			cols[i] = chunks[0]
			continue
		}
		merged, err := array.Concatenate(chunks, mem)
		if err != nil {
			return nil, fmt.Errorf("concatenate column %s: %w", tbl.Schema().Field(i).Name, err)
		}
		cols[i] = merged
	}
	return array.NewRecord(tbl.Schema(), cols, tbl.NumRows()), nil
}
