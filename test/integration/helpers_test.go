//go:build integration

package integration

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"

	"duck-flight/internal/domain"
	"duck-flight/internal/flight"
	"duck-flight/internal/materialize"
	"duck-flight/internal/query"
)

type env struct {
	Client  *flight.Client
	Handoff *query.Handoff
	Dir     string
	Logger  *slog.Logger
}

// setup starts an in-process Flight server with its own DuckDB backend and
// returns a client plus a separate DuckDB for queries.
func setup(t *testing.T, opts ...flight.ServerOption) *env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	backend, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	srv := flight.NewServer("127.0.0.1:0", logger, backend, opts...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	client, err := flight.Dial(srv.Addr(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	local, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	return &env{
		Client:  client,
		Handoff: query.NewHandoff(local, logger),
		Dir:     t.TempDir(),
		Logger:  logger,
	}
}

func (e *env) materialize(t *testing.T, src domain.ChunkSource, opts materialize.Options) (*domain.Outcome, error) {
	t.Helper()
	t.Cleanup(func() { _ = src.Close() })
	if opts.Dir == "" {
		opts.Dir = e.Dir
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return materialize.New(opts, e.Logger).Run(ctx, src)
}
