// Package main is the entry point for the demo Flight server. It serves
// generated random tables on plain tickets and Flight SQL statements against
// an in-memory DuckDB.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"duck-flight/internal/config"
	"duck-flight/internal/engine"
	"duck-flight/internal/flight"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	sess, err := engine.Open(ctx, engine.Options{
		MaxMemory: cfg.DuckDBMaxMemory,
		Threads:   cfg.DuckDBThreads,
	}, logger)
	if err != nil {
		return err
	}
	defer sess.Close() //nolint:errcheck

	srv := flight.NewServer(cfg.FlightListenAddr, logger, sess.DB, flight.WithBatchRate(cfg.DemoBatchRate))
	if err := srv.Start(); err != nil {
		return err
	}
	table := cfg.DemoTable()
	logger.Info("flight server ready",
		"addr", srv.Addr(), "demo_ticket", string(table.Ticket()), "batch_rate", cfg.DemoBatchRate)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
