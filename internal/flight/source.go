package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"duck-flight/internal/domain"
)

// Client is a connection to a Flight endpoint.
type Client struct {
	sql    *arrowflightsql.Client
	logger *slog.Logger
}

// Dial connects to addr without transport security. Extra dial options are
// appended to the defaults.
func Dial(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cl, err := arrowflightsql.NewClient(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial flight %s: %w", addr, err)
	}
	cl.Alloc = memory.DefaultAllocator
	return &Client{sql: cl, logger: logger}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.sql.Close()
}

// Ticket returns a source streaming the records of one ticket. The DoGet
// call is issued on the first Next.
func (c *Client) Ticket(ticket []byte) *TicketSource {
	return &TicketSource{client: c, ticket: ticket}
}

// Statement returns a source executing query over Flight SQL and streaming
// every endpoint of the result in order.
func (c *Client) Statement(query string) *StatementSource {
	return &StatementSource{client: c, query: query}
}

var (
	_ domain.ChunkSource      = (*TicketSource)(nil)
	_ domain.SchemaAdvertiser = (*TicketSource)(nil)
	_ domain.ChunkSource      = (*StatementSource)(nil)
	_ domain.SchemaAdvertiser = (*StatementSource)(nil)
)

// TicketSource streams the records of one Flight ticket.
type TicketSource struct {
	client *Client
	ticket []byte

	reader *arrowflight.Reader
	cancel context.CancelFunc
	schema *arrow.Schema
	done   bool
}

// Next returns the next record or io.EOF. The returned record is retained
// for the caller.
func (s *TicketSource) Next(ctx context.Context) (arrow.Record, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.reader == nil {
		if err := s.open(ctx); err != nil {
			return nil, err
		}
	}

	// The stream outlives a single call; tie it to ctx only while reading.
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	if s.reader.Next() {
		rec := s.reader.Record()
		rec.Retain()
		return rec, nil
	}
	s.done = true
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read flight stream: %w", err)
	}
	if err := s.reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read flight stream: %w", err)
	}
	return nil, io.EOF
}

func (s *TicketSource) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	rdr, err := s.client.sql.DoGet(streamCtx, &arrowflight.Ticket{Ticket: s.ticket})
	stop()
	if err != nil {
		cancel()
		s.done = true
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("flight DoGet: %w", errors.Join(ctxErr, err))
		}
		return fmt.Errorf("flight DoGet: %w", err)
	}
	s.reader = rdr
	s.cancel = cancel
	s.schema = rdr.Schema()
	s.client.logger.Debug("flight stream opened", "columns", s.schema.NumFields())
	return nil
}

// Schema returns the stream schema once the stream is open.
func (s *TicketSource) Schema() *arrow.Schema {
	return s.schema
}

// Close ends the stream. It is safe to call more than once.
func (s *TicketSource) Close() error {
	s.done = true
	if s.reader != nil {
		s.reader.Release()
		s.reader = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// StatementSource streams a Flight SQL statement result.
type StatementSource struct {
	client *Client
	query  string

	info     *arrowflight.FlightInfo
	schema   *arrow.Schema
	endpoint int
	cur      *TicketSource
}

func (s *StatementSource) Next(ctx context.Context) (arrow.Record, error) {
	if s.info == nil {
		if err := s.execute(ctx); err != nil {
			return nil, err
		}
	}

	for {
		if s.cur == nil {
			if s.endpoint >= len(s.info.Endpoint) {
				return nil, io.EOF
			}
			ep := s.info.Endpoint[s.endpoint]
			s.cur = s.client.Ticket(ep.GetTicket().GetTicket())
		}

		rec, err := s.cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = s.cur.Close()
			s.cur = nil
			s.endpoint++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", s.endpoint, err)
		}
		return rec, nil
	}
}

func (s *StatementSource) execute(ctx context.Context) error {
	info, err := s.client.sql.Execute(ctx, s.query)
	if err != nil {
		return fmt.Errorf("flight sql execute: %w", err)
	}
	if len(info.GetSchema()) > 0 {
		schema, err := arrowflight.DeserializeSchema(info.GetSchema(), memory.DefaultAllocator)
		if err != nil {
			return fmt.Errorf("decode result schema: %w", err)
		}
		s.schema = schema
	}
	s.info = info
	s.client.logger.Debug("statement executed",
		"endpoints", len(info.Endpoint), "total_records", info.GetTotalRecords())
	return nil
}

// Schema returns the result schema advertised by the server, once the
// statement has executed.
func (s *StatementSource) Schema() *arrow.Schema {
	if s.schema == nil && s.cur != nil {
		return s.cur.Schema()
	}
	return s.schema
}

func (s *StatementSource) Close() error {
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}
