package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"duck-flight/internal/config"
	"duck-flight/internal/container"
	"duck-flight/internal/domain"
	"duck-flight/internal/query"
)

var (
	version = "dev"
	commit  = "none"
)

// settings holds values resolved by the root command before any subcommand
// runs.
type settings struct {
	addr         string
	output       string
	profile      string
	logLevel     string
	containerDir string
	compression  string
	session      string
	partial      bool

	cfg    *config.Config
	logger *slog.Logger
}

// Execute runs the CLI.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(os.Stdout, map[string]interface{}{
				"error": err.Error(),
				"kind":  errorKind(err),
			})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// errorKind names the pipeline failure class of err for machine output.
func errorKind(err error) string {
	var (
		mismatch  *domain.SchemaMismatchError
		transport *domain.TransportError
		write     *domain.WriteError
		qerr      *domain.QueryError
	)
	switch {
	case errors.As(err, &mismatch):
		return "schema_mismatch"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &write):
		return "write"
	case errors.As(err, &qerr):
		return "query"
	case errors.Is(err, domain.ErrNoSchema):
		return "no_schema"
	case errors.Is(err, query.ErrTableExists):
		return "table_exists"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func newRootCmd() *cobra.Command {
	s := &settings{}

	rootCmd := &cobra.Command{
		Use:           "duck-flight",
		Short:         "Materialize Arrow Flight streams and query them with DuckDB",
		Long:          "Fetch Arrow Flight streams into a columnar container on disk and run analytical queries over it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.resolve(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&s.addr, "addr", "", "Flight server address (host:port)")
	flags.StringVarP(&s.output, "output", "o", "table", "Output format (table, json)")
	flags.StringVarP(&s.profile, "profile", "p", "", "Config profile to use")
	flags.StringVar(&s.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&s.containerDir, "container-dir", "", "Directory for container files")
	flags.StringVar(&s.compression, "compression", "", "Container compression codec")
	flags.StringVar(&s.session, "session", "", "Persistent DuckDB session name (in-memory when empty)")
	flags.BoolVar(&s.partial, "partial", false, "Keep a partial container when the stream fails midway")

	rootCmd.AddCommand(newFetchCmd(s))
	rootCmd.AddCommand(newQueryCmd(s))
	rootCmd.AddCommand(newInspectCmd(s))
	rootCmd.AddCommand(newBenchCmd(s))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// resolve applies precedence flag > env > profile > default to the
// connection and container settings, then builds the logger.
func (s *settings) resolve(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	uc, err := LoadUserConfig()
	switch {
	case errors.Is(err, ErrNoUserConfig):
		uc = &UserConfig{CurrentProfile: "default", Profiles: map[string]Profile{}}
	case err != nil:
		return err
	}
	p, err := uc.ActiveProfile(s.profile)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	pick := func(flag string, dst *string, env, profile, def string) {
		if changed(flag) {
			return
		}
		switch {
		case env != "" && os.Getenv(env) != "":
			*dst = os.Getenv(env)
		case profile != "":
			*dst = profile
		default:
			*dst = def
		}
	}
	pick("addr", &s.addr, "FLIGHT_ADDR", p.Addr, cfg.FlightAddr)
	pick("output", &s.output, "DUCK_FLIGHT_OUTPUT", p.Output, "table")
	pick("container-dir", &s.containerDir, "CONTAINER_DIR", p.ContainerDir, cfg.ContainerDir)
	pick("compression", &s.compression, "CONTAINER_COMPRESSION", p.Compression, cfg.ContainerCompression)
	pick("session", &s.session, "", p.Session, "")
	pick("log-level", &s.logLevel, "LOG_LEVEL", "", cfg.LogLevel)
	if !changed("partial") {
		s.partial = cfg.PartialOnTransportError
	}

	s.compression = strings.ToLower(s.compression)
	if err := validateOutputFormat(s.output); err != nil {
		return err
	}
	if _, err := container.ParseCompression(s.compression); err != nil {
		return fmt.Errorf("--compression: %w", err)
	}

	cfg.FlightAddr = s.addr
	cfg.ContainerDir = s.containerDir
	cfg.ContainerCompression = s.compression
	cfg.PartialOnTransportError = s.partial
	cfg.LogLevel = s.logLevel
	s.cfg = cfg
	s.logger = newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

	for _, w := range cfg.Warnings {
		s.logger.Warn(w)
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
