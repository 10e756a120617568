package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"duck-flight/internal/domain"
	"duck-flight/internal/flight"
	"duck-flight/internal/query"
	"duck-flight/internal/storage"
)

func newFetchCmd(s *settings) *cobra.Command {
	var (
		src       sourceFlags
		plan      planFlags
		maxRows   int
		persist   string
		overwrite bool
		keep      bool
		publish   bool
		key       string
		expiry    time.Duration
		progress  bool
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Materialize a Flight stream and query it",
		Long: `Pull every record batch of a Flight stream into a container file, then
evaluate a query over it in DuckDB. Without --ticket or --sql a generated
table is requested from the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			src.applyDefaults(cmd, s)
			p, err := plan.plan()
			if err != nil {
				return err
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

			var pw io.Writer
			if progress {
				pw = cmd.ErrOrStderr()
			}
			s.logger.Info("fetching", "addr", s.cfg.FlightAddr, "source", src.describe())
			start := time.Now()
			out, runErr := materializeStream(ctx, s, source, pw)
			if out == nil {
				return runErr
			}
			s.logger.Info("materialized", "state", out.State, "rows", out.Rows, "chunks", out.Chunks, "elapsed", time.Since(start))
			if !keep && out.HasContainer() {
				defer os.Remove(out.Location) //nolint:errcheck
			}
			if runErr != nil && !out.Partial {
				return runErr
			}
			if out.Partial {
				s.logger.Warn("stream failed midway; querying the partial container", "rows", out.Rows, "error", runErr)
			}

			sess, err := openSession(ctx, s)
			if err != nil {
				return err
			}
			defer sess.Close() //nolint:errcheck
			h := query.NewHandoff(sess.DB, s.logger)

			if persist != "" {
				if err := h.Persist(ctx, out, p, persist, overwrite); err != nil {
					return err
				}
			}
			res, err := h.Run(ctx, out, p)
			if err != nil {
				return err
			}

			var uri, url string
			if publish {
				uri, url, err = publishOutcome(cmd, s, out, key, expiry)
				if err != nil {
					return err
				}
			}

			if err := printFetch(cmd, out, res, maxRows, keep, persist, uri, url); err != nil {
				return err
			}
			return runErr
		},
	}

	src.register(cmd)
	plan.register(cmd)
	cmd.Flags().IntVar(&maxRows, "max-rows", 20, "Maximum rows to display in table output (0 for all)")
	cmd.Flags().StringVar(&persist, "persist", "", "Store the query result as a table in the session")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace the --persist table if it exists")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the container file after the command")
	cmd.Flags().BoolVar(&publish, "publish", false, "Upload the container to the configured bucket")
	cmd.Flags().StringVar(&key, "key", "", "Object key for --publish (default containers/<file>)")
	cmd.Flags().DurationVar(&expiry, "presign", 15*time.Minute, "Lifetime of the presigned URL printed after --publish")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print a progress line per chunk")

	return cmd
}

func publishOutcome(cmd *cobra.Command, s *settings, out *domain.Outcome, key string, expiry time.Duration) (string, string, error) {
	if out.Partial {
		return "", "", fmt.Errorf("publish: %w", storage.ErrNotPublishable)
	}
	pub, err := storage.NewS3Publisher(s.cfg, s.logger)
	if err != nil {
		return "", "", fmt.Errorf("publish: %w", err)
	}
	uri, err := pub.Publish(cmd.Context(), out, key)
	if err != nil {
		return "", "", err
	}
	url, err := pub.PresignGet(cmd.Context(), uri, expiry)
	if err != nil {
		return "", "", err
	}
	return uri, url, nil
}

func printFetch(cmd *cobra.Command, out *domain.Outcome, res *query.Result, maxRows int, keep bool, persist, uri, url string) error {
	w := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		obj := map[string]interface{}{
			"outcome":   outcomeJSON(out),
			"columns":   res.Columns,
			"rows":      jsonRows(res.Columns, res.Rows),
			"row_count": len(res.Rows),
		}
		if !keep {
			delete(obj["outcome"].(map[string]interface{}), "container")
		}
		if persist != "" {
			obj["persisted_table"] = persist
		}
		if uri != "" {
			obj["published"] = uri
			obj["presigned_url"] = url
		}
		return printJSON(w, obj)
	}

	if err := printResult(cmd, res, maxRows); err != nil {
		return err
	}
	fields := outcomeFields(out)
	if !keep {
		fields = dropField(fields, "container")
	}
	if persist != "" {
		fields = append(fields, [2]string{"persisted", persist})
	}
	if uri != "" {
		fields = append(fields, [2]string{"published", uri}, [2]string{"url", url})
	}
	_, _ = fmt.Fprintln(w)
	return printFields(w, fields)
}

func dropField(fields [][2]string, name string) [][2]string {
	out := fields[:0]
	for _, f := range fields {
		if f[0] != name {
			out = append(out, f)
		}
	}
	return out
}
