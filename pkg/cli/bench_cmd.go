package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"duck-flight/internal/domain"
	"duck-flight/internal/flight"
	"duck-flight/internal/query"
)

// benchResult is the timing of one canned plan.
type benchResult struct {
	Name   string        `json:"name"`
	Rows   int           `json:"rows"`
	Best   time.Duration `json:"best_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Iters  int           `json:"iters"`
	Failed string        `json:"error,omitempty"`
}

func newBenchCmd(s *settings) *cobra.Command {
	var (
		src      sourceFlags
		warmup   int
		iters    int
		parallel int
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Fetch once, then time the canned query workloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			src.applyDefaults(cmd, s)
			if iters < 1 {
				return fmt.Errorf("--iters must be >= 1")
			}
			if parallel < 1 {
				return fmt.Errorf("--parallel must be >= 1")
			}

			client, err := flight.Dial(s.cfg.FlightAddr, s.logger)
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck
			source, err := src.open(client)
			if err != nil {
				return err
			}
			defer source.Close() //nolint:errcheck

			start := time.Now()
			out, err := materializeStream(ctx, s, source, nil)
			if err != nil {
				return err
			}
			fetchElapsed := time.Since(start)
			if out.HasContainer() {
				defer os.Remove(out.Location) //nolint:errcheck
			}

			sess, err := openSession(ctx, s)
			if err != nil {
				return err
			}
			defer sess.Close() //nolint:errcheck
			h := query.NewHandoff(sess.DB, s.logger)

			results, err := runBench(ctx, h, out, query.BenchmarkPlans(limit), warmup, iters, parallel)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return printJSON(w, map[string]interface{}{
					"outcome":  outcomeJSON(out),
					"fetch_ms": fetchElapsed.Milliseconds(),
					"queries":  results,
				})
			}
			_, _ = fmt.Fprintf(w, "fetch: rows=%s chunks=%d elapsed=%s\n\n",
				humanize.Comma(out.Rows), out.Chunks, fetchElapsed.Round(time.Millisecond))
			rows := make([][]interface{}, len(results))
			for i, r := range results {
				status := "ok"
				if r.Failed != "" {
					status = r.Failed
				}
				rows[i] = []interface{}{r.Name, r.Rows, r.Best.Round(time.Microsecond), r.Mean.Round(time.Microsecond), status}
			}
			return printTable(w, []string{"QUERY", "ROWS", "BEST", "MEAN", "STATUS"}, rows, 0)
		},
	}

	src.register(cmd)
	cmd.Flags().IntVar(&warmup, "warmup", 1, "Unmeasured runs per query")
	cmd.Flags().IntVar(&iters, "iters", 3, "Measured runs per query")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "Queries evaluated concurrently")
	cmd.Flags().IntVar(&limit, "limit", 10, "LIMIT used by the limited select query")

	return cmd
}

// runBench times every plan against out. A failing plan is reported in its
// result and does not stop the others.
func runBench(ctx context.Context, h *query.Handoff, out *domain.Outcome, plans []query.NamedPlan, warmup, iters, parallel int) ([]benchResult, error) {
	results := make([]benchResult, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, np := range plans {
		g.Go(func() error {
			r := benchResult{Name: np.Name, Iters: iters}
			for j := 0; j < warmup+iters; j++ {
				res, err := h.Run(gctx, out, np.Plan)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					r.Failed = err.Error()
					break
				}
				if j < warmup {
					continue
				}
				r.Rows = len(res.Rows)
				r.Mean += res.Elapsed
				if r.Best == 0 || res.Elapsed < r.Best {
					r.Best = res.Elapsed
				}
			}
			if r.Failed == "" {
				r.Mean /= time.Duration(iters)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
