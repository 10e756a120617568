package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"duck-flight/internal/container"
	"duck-flight/internal/domain"
	"duck-flight/internal/engine"
	"duck-flight/internal/flight"
	"duck-flight/internal/materialize"
	"duck-flight/internal/query"
)

// sourceFlags selects the stream a command materializes: a raw ticket, a
// Flight SQL statement, or a generated random table.
type sourceFlags struct {
	ticket string
	sql    string
	table  flight.RandomTable
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	def := flight.DefaultRandomTable()
	fs := cmd.Flags()
	fs.StringVar(&f.ticket, "ticket", "", "Raw Flight ticket to fetch")
	fs.StringVar(&f.sql, "sql", "", "Flight SQL statement to execute on the server")
	fs.Int64Var(&f.table.Rows, "rows", def.Rows, "Rows of the generated table")
	fs.IntVar(&f.table.Columns, "columns", def.Columns, "Columns of the generated table")
	fs.Int64Var(&f.table.BatchSize, "batch", def.BatchSize, "Rows per batch of the generated table")
	fs.Uint64Var(&f.table.Seed, "seed", 0, "Generator seed (random when 0)")
	fs.IntVar(&f.table.FailAfter, "fail-after", 0, "Abort the generated stream after this many batches")
}

// applyDefaults fills unset table flags from the configured demo table.
func (f *sourceFlags) applyDefaults(cmd *cobra.Command, s *settings) {
	demo := s.cfg.DemoTable()
	if !cmd.Flags().Changed("rows") {
		f.table.Rows = demo.Rows
	}
	if !cmd.Flags().Changed("columns") {
		f.table.Columns = demo.Columns
	}
	if !cmd.Flags().Changed("batch") {
		f.table.BatchSize = demo.BatchSize
	}
}

// describe returns a short label for logs and output.
func (f *sourceFlags) describe() string {
	switch {
	case f.sql != "":
		return "sql"
	case f.ticket != "":
		return "ticket"
	default:
		return "random"
	}
}

// open returns the selected source on client.
func (f *sourceFlags) open(client *flight.Client) (domain.ChunkSource, error) {
	switch {
	case f.sql != "" && f.ticket != "":
		return nil, fmt.Errorf("--sql and --ticket are mutually exclusive")
	case f.sql != "":
		return client.Statement(f.sql), nil
	case f.ticket != "":
		return client.Ticket([]byte(f.ticket)), nil
	default:
		if err := f.table.Validate(); err != nil {
			return nil, err
		}
		return client.Ticket(f.table.Ticket()), nil
	}
}

// planFlags builds a query plan from flags.
type planFlags struct {
	raw     string
	columns []string
	where   string
	groupBy []string
	orderBy []string
	limit   int
}

func (f *planFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.raw, "query", "", "SQL over the materialized rows, available as 'result'")
	fs.StringSliceVar(&f.columns, "select", nil, "Columns or expressions to project")
	fs.StringVar(&f.where, "where", "", "Filter expression")
	fs.StringSliceVar(&f.groupBy, "group-by", nil, "Grouping keys")
	fs.StringSliceVar(&f.orderBy, "order-by", nil, "Ordering keys")
	fs.IntVar(&f.limit, "limit", 0, "Maximum rows returned by the query")
}

func (f *planFlags) plan() (query.Plan, error) {
	if f.raw != "" {
		if len(f.columns) > 0 || f.where != "" || len(f.groupBy) > 0 || len(f.orderBy) > 0 || f.limit > 0 {
			return query.Plan{}, fmt.Errorf("--query cannot be combined with structured plan flags")
		}
		return query.SQL(f.raw), nil
	}
	if f.limit < 0 {
		return query.Plan{}, fmt.Errorf("--limit must be >= 0")
	}
	return query.Select(f.columns...).Filter(f.where).Group(f.groupBy...).Order(f.orderBy...).Take(f.limit), nil
}

// materializeStream drives src into a container under the resolved
// settings. When progress is non-nil a status line is updated per chunk.
func materializeStream(ctx context.Context, s *settings, src domain.ChunkSource, progress io.Writer) (*domain.Outcome, error) {
	codec, err := container.ParseCompression(s.cfg.ContainerCompression)
	if err != nil {
		return nil, err
	}
	opts := materialize.Options{
		Dir:                     s.cfg.ContainerDir,
		Compression:             &codec,
		PartialOnTransportError: s.cfg.PartialOnTransportError,
	}
	if progress != nil {
		var total int64
		opts.OnChunk = func(idx int, rows int64) {
			total += rows
			_, _ = fmt.Fprintf(progress, "\rchunk %d: %s rows", idx+1, humanize.Comma(total))
		}
		defer fmt.Fprintln(progress) //nolint:errcheck
	}
	return materialize.New(opts, s.logger).Run(ctx, src)
}

// openSession opens the DuckDB session queries run in.
func openSession(ctx context.Context, s *settings) (*engine.Session, error) {
	return engine.Open(ctx, engine.Options{
		Dir:       s.cfg.SessionDir,
		Session:   s.session,
		MaxMemory: s.cfg.DuckDBMaxMemory,
		Threads:   s.cfg.DuckDBThreads,
	}, s.logger)
}

// printResult writes a query result in the selected output format.
func printResult(cmd *cobra.Command, res *query.Result, maxRows int) error {
	w := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		return printJSON(w, map[string]interface{}{
			"columns":    res.Columns,
			"rows":       jsonRows(res.Columns, res.Rows),
			"row_count":  len(res.Rows),
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
	}
	if len(res.Columns) == 0 {
		_, err := fmt.Fprintln(w, "(no columns)")
		return err
	}
	if err := printTable(w, res.Columns, res.Rows, maxRows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%s rows, %s)\n", humanize.Comma(int64(len(res.Rows))), res.Elapsed.Round(time.Millisecond))
	return err
}

// outcomeFields renders the summary of a materialization.
func outcomeFields(out *domain.Outcome) [][2]string {
	fields := [][2]string{
		{"state", out.State.String()},
		{"rows", humanize.Comma(out.Rows)},
		{"chunks", fmt.Sprint(out.Chunks)},
		{"row_groups", fmt.Sprint(out.RowGroups)},
	}
	if out.Location != "" {
		fields = append(fields, [2]string{"container", out.Location})
	}
	if out.Partial {
		fields = append(fields, [2]string{"partial", "true"})
	}
	if out.Schema != nil {
		names := make([]string, out.Schema.NumFields())
		for i, f := range out.Schema.Fields() {
			names[i] = f.Name + " " + f.Type.String()
		}
		fields = append(fields, [2]string{"schema", strings.Join(names, ", ")})
	}
	return fields
}

// outcomeJSON is the machine-readable form of outcomeFields.
func outcomeJSON(out *domain.Outcome) map[string]interface{} {
	m := map[string]interface{}{
		"state":      out.State.String(),
		"rows":       out.Rows,
		"chunks":     out.Chunks,
		"row_groups": out.RowGroups,
		"partial":    out.Partial,
	}
	if out.Location != "" {
		m["container"] = out.Location
	}
	return m
}
