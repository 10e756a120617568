package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"duck-flight/internal/config"
	"duck-flight/internal/container"
	"duck-flight/internal/domain"
	"duck-flight/internal/engine"
	"duck-flight/internal/query"
	"duck-flight/internal/storage"
)

func newQueryCmd(s *settings) *cobra.Command {
	var (
		plan      planFlags
		maxRows   int
		persist   string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "query <container>",
		Short: "Query a kept or published container",
		Long: `Evaluate a query over a container left by 'fetch --keep', or over a
published container given as an s3:// URI.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := plan.plan()
			if err != nil {
				return err
			}

			sess, err := openSession(ctx, s)
			if err != nil {
				return err
			}
			defer sess.Close() //nolint:errcheck

			out, err := containerOutcome(args[0])
			if err != nil {
				return err
			}
			if strings.HasPrefix(args[0], "s3://") {
				secret, err := s3Secret(s.cfg)
				if err != nil {
					return err
				}
				if err := sess.EnableS3(ctx, secret); err != nil {
					return err
				}
			}

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
			return printResult(cmd, res, maxRows)
		},
	}

	plan.register(cmd)
	cmd.Flags().IntVar(&maxRows, "max-rows", 20, "Maximum rows to display in table output (0 for all)")
	cmd.Flags().StringVar(&persist, "persist", "", "Store the query result as a table in the session")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace the --persist table if it exists")

	return cmd
}

// containerOutcome describes an existing container as a completed
// materialization. Remote containers are read by DuckDB directly, so only
// the URI is checked.
func containerOutcome(location string) (*domain.Outcome, error) {
	if strings.HasPrefix(location, "s3://") {
		if _, _, err := storage.ParseS3Path(location); err != nil {
			return nil, err
		}
		return &domain.Outcome{State: domain.StateDone, Location: location}, nil
	}
	info, err := container.Inspect(location)
	if err != nil {
		return nil, err
	}
	return info.Outcome(), nil
}

func s3Secret(cfg *config.Config) (engine.S3Secret, error) {
	if !cfg.HasS3Config() {
		return engine.S3Secret{}, fmt.Errorf("reading s3:// containers requires KEY_ID, SECRET and REGION")
	}
	secret := engine.S3Secret{
		Name:   "duck_flight_s3",
		KeyID:  *cfg.S3KeyID,
		Secret: *cfg.S3Secret,
		Region: *cfg.S3Region,
	}
	if cfg.S3Endpoint != nil {
		secret.Endpoint = *cfg.S3Endpoint
	}
	return secret, nil
}
