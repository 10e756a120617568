// Package flight connects the materialization pipeline to Arrow Flight: it
// adapts Flight and Flight SQL streams into chunk sources, and serves a demo
// Flight endpoint with generated tables and DuckDB-backed statements.
package flight

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcHealth "google.golang.org/grpc/health"
	grpcHealthV1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBatchRate paces generated tables to at most perSecond batches per
// second, simulating a slow remote.
func WithBatchRate(perSecond float64) ServerOption {
	return func(s *Server) { s.batchRate = perSecond }
}

// WithStatementBatchSize sets the rows per record batch for statements.
func WithStatementBatchSize(n int) ServerOption {
	return func(s *Server) { s.stmtBatch = n }
}

// WithEndpointRows splits statement results into endpoints of at most n rows.
func WithEndpointRows(n int) ServerOption {
	return func(s *Server) { s.endpointRows = n }
}

// Server is a Flight endpoint serving generated random tables on plain
// tickets and Flight SQL statements against DuckDB.
type Server struct {
	addr         string
	logger       *slog.Logger
	db           *sql.DB
	batchRate    float64
	stmtBatch    int
	endpointRows int

	mu         sync.Mutex
	ln         net.Listener
	grpcServer *grpc.Server
	health     *grpcHealth.Server
	wg         sync.WaitGroup
}

// NewServer creates a server listening on addr. db backs Flight SQL
// statements; with a nil db statements fail.
func NewServer(addr string, logger *slog.Logger, db *sql.DB, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, logger: logger, db: db, stmtBatch: 64 * 1024}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("flight listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen flight: %w", err)
	}
	grpcSrv := grpc.NewServer()
	svc := &service{
		FlightServer: arrowflightsql.NewFlightServer(newQueryServer(s.db, s.stmtBatch, s.endpointRows, s.logger)),
		logger:       s.logger,
		batchRate:    s.batchRate,
	}
	arrowflight.RegisterFlightServiceServer(grpcSrv, svc)
	healthSrv := grpcHealth.NewServer()
	healthSrv.SetServingStatus("", grpcHealthV1.HealthCheckResponse_SERVING)
	grpcHealthV1.RegisterHealthServer(grpcSrv, healthSrv)

	s.ln = ln
	s.grpcServer = grpcSrv
	s.health = healthSrv
	s.wg.Add(1)
	go s.serveLoop()
	s.logger.Info("flight listener started", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting streams and waits for running ones until ctx is
// done, then stops hard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	grpcSrv := s.grpcServer
	health := s.health
	s.ln = nil
	s.grpcServer = nil
	s.health = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if health != nil {
		health.Shutdown()
	}

	if grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcSrv.Stop()
			return fmt.Errorf("flight shutdown: %w", ctx.Err())
		case <-time.After(5 * time.Second):
			grpcSrv.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flight shutdown wait: %w", ctx.Err())
	}
}

func (s *Server) serveLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	ln := s.ln
	grpcSrv := s.grpcServer
	s.mu.Unlock()

	if ln == nil || grpcSrv == nil {
		return
	}
	if err := grpcSrv.Serve(ln); err != nil {
		s.logger.Debug("flight gRPC server stopped", "error", err)
	}
}

// service routes random table tickets to the generator and everything else
// to the Flight SQL server.
type service struct {
	arrowflight.FlightServer

	logger    *slog.Logger
	batchRate float64
}

func (s *service) DoGet(tkt *arrowflight.Ticket, stream arrowflight.FlightService_DoGetServer) error {
	table, ok, err := ParseTicket(tkt.GetTicket())
	if !ok {
		return s.FlightServer.DoGet(tkt, stream)
	}
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return s.serveTable(stream, table)
}

func (s *service) serveTable(stream arrowflight.FlightService_DoGetServer, table RandomTable) error {
	ctx := stream.Context()
	var limiter *rate.Limiter
	if s.batchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.batchRate), 1)
	}

	gen := newGenerator(table, memory.DefaultAllocator)
	w := arrowflight.NewRecordWriter(stream, ipc.WithSchema(gen.schema))
	start := time.Now()
	batches := 0
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return status.FromContextError(err).Err()
			}
		}
		rec := gen.next()
		if rec == nil {
			break
		}
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			return fmt.Errorf("write batch %d: %w", batches, err)
		}
		batches++
		if table.FailAfter > 0 && batches >= table.FailAfter {
			s.logger.Warn("aborting table stream", "batches", batches)
			return status.Errorf(codes.Aborted, "stream aborted after %d batches", batches)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	s.logger.Info("table served",
		"rows", table.Rows, "columns", table.Columns, "batches", batches, "elapsed", time.Since(start))
	return nil
}
