package flight

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
)

// statementResult is the realized output of one statement, or the slice of
// it served by one endpoint.
type statementResult struct {
	schema *arrow.Schema
	rows   [][]interface{}
}

type queryServer struct {
	arrowflightsql.BaseServer

	db           *sql.DB
	batchSize    int
	endpointRows int
	logger       *slog.Logger

	mu      sync.Mutex
	tickets map[string]*statementResult
}

func newQueryServer(db *sql.DB, batchSize, endpointRows int, logger *slog.Logger) *queryServer {
	srv := &queryServer{
		db:           db,
		batchSize:    batchSize,
		endpointRows: endpointRows,
		logger:       logger,
		tickets:      make(map[string]*statementResult),
	}
	srv.Alloc = memory.DefaultAllocator
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerName, "duck-flight")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerVersion, "dev")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerArrowVersion, "18")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerSql, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerReadOnly, true)
	return srv
}

func (s *queryServer) GetFlightInfoStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	result, err := s.execute(ctx, stmt.GetQuery())
	if err != nil {
		return nil, err
	}

	parts := splitRows(result.rows, s.endpointRows)
	endpoints := make([]*arrowflight.FlightEndpoint, 0, len(parts))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, part := range parts {
		handle := uuid.NewString()
		ticket, err := arrowflightsql.CreateStatementQueryTicket([]byte(handle))
		if err != nil {
			return nil, fmt.Errorf("create statement query ticket: %w", err)
		}
		s.tickets[handle] = &statementResult{schema: result.schema, rows: part}
		endpoints = append(endpoints, &arrowflight.FlightEndpoint{
			Ticket:   &arrowflight.Ticket{Ticket: ticket},
			Location: []*arrowflight.Location{{Uri: arrowflight.LocationReuseConnection}},
		})
	}

	s.logger.Debug("statement planned", "rows", len(result.rows), "endpoints", len(endpoints))
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(result.schema, s.Alloc),
		FlightDescriptor: desc,
		Endpoint:         endpoints,
		TotalRecords:     int64(len(result.rows)),
		TotalBytes:       -1,
		Ordered:          true,
	}, nil
}

func (s *queryServer) GetSchemaStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, _ *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	result, err := s.execute(ctx, stmt.GetQuery())
	if err != nil {
		return nil, err
	}
	return &arrowflight.SchemaResult{Schema: arrowflight.SerializeSchema(result.schema, s.Alloc)}, nil
}

func (s *queryServer) DoGetStatement(ctx context.Context, queryTicket arrowflightsql.StatementQueryTicket) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	handle := string(queryTicket.GetStatementHandle())

	s.mu.Lock()
	result, ok := s.tickets[handle]
	if ok {
		delete(s.tickets, handle)
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown statement handle")
	}

	ch := make(chan arrowflight.StreamChunk)
	go s.streamBatches(ctx, result, ch)
	return result.schema, ch, nil
}

// streamBatches sends result in batches of at most batchSize rows. The
// receiver releases each record.
func (s *queryServer) streamBatches(ctx context.Context, result *statementResult, ch chan<- arrowflight.StreamChunk) {
	defer close(ch)
	for _, part := range splitRows(result.rows, s.batchSize) {
		if len(part) == 0 {
			return
		}
		rec, err := recordFromRows(s.Alloc, result.schema, part)
		if err != nil {
			select {
			case ch <- arrowflight.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- arrowflight.StreamChunk{Data: rec}:
		case <-ctx.Done():
			rec.Release()
			return
		}
	}
}

// execute runs query on DuckDB and realizes the rows with a typed schema.
func (s *queryServer) execute(ctx context.Context, query string) (*statementResult, error) {
	if s.db == nil {
		return nil, fmt.Errorf("flight sql backend is not configured")
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	fields := make([]arrow.Field, len(types))
	for i, ct := range types {
		name := strings.TrimSpace(ct.Name())
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		fields[i] = arrow.Field{Name: name, Type: arrowTypeForSQL(ct.DatabaseTypeName()), Nullable: true}
	}

	result := &statementResult{schema: arrow.NewSchema(fields, nil)}
	for rows.Next() {
		vals := make([]interface{}, len(types))
		ptrs := make([]interface{}, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result.rows = append(result.rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// splitRows cuts rows into consecutive parts of at most n rows. It always
// returns at least one part so an empty result still gets an endpoint.
func splitRows(rows [][]interface{}, n int) [][][]interface{} {
	if n <= 0 || len(rows) <= n {
		return [][][]interface{}{rows}
	}
	parts := make([][][]interface{}, 0, (len(rows)+n-1)/n)
	for start := 0; start < len(rows); start += n {
		parts = append(parts, rows[start:min(start+n, len(rows))])
	}
	return parts
}

func arrowTypeForSQL(dataType string) arrow.DataType {
	dataType = strings.ToUpper(strings.TrimSpace(dataType))
	switch {
	case dataType == "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case dataType == "TINYINT":
		return arrow.PrimitiveTypes.Int8
	case dataType == "SMALLINT":
		return arrow.PrimitiveTypes.Int16
	case dataType == "INTEGER":
		return arrow.PrimitiveTypes.Int32
	case dataType == "BIGINT":
		return arrow.PrimitiveTypes.Int64
	case dataType == "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case dataType == "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case dataType == "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case dataType == "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case dataType == "FLOAT":
		return arrow.PrimitiveTypes.Float32
	case dataType == "DOUBLE", dataType == "HUGEINT", dataType == "UHUGEINT",
		strings.HasPrefix(dataType, "DECIMAL"):
		return arrow.PrimitiveTypes.Float64
	case dataType == "DATE":
		return arrow.FixedWidthTypes.Date32
	case dataType == "TIMESTAMPTZ", dataType == "TIMESTAMP WITH TIME ZONE":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case strings.HasPrefix(dataType, "TIMESTAMP"):
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case dataType == "BLOB":
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func recordFromRows(mem memory.Allocator, schema *arrow.Schema, rows [][]interface{}) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, row := range rows {
		for i, fb := range b.Fields() {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			if err := appendValue(fb, v); err != nil {
				return nil, fmt.Errorf("column %q: %w", schema.Field(i).Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(b array.Builder, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch b := b.(type) {
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return mismatch("BOOLEAN", v)
		}
		b.Append(x)
	case *array.Int8Builder:
		x, ok := toInt64(v)
		if !ok {
			return mismatch("TINYINT", v)
		}
		b.Append(int8(x))
	case *array.Int16Builder:
		x, ok := toInt64(v)
		if !ok {
			return mismatch("SMALLINT", v)
		}
		b.Append(int16(x))
	case *array.Int32Builder:
		x, ok := toInt64(v)
		if !ok {
			return mismatch("INTEGER", v)
		}
		b.Append(int32(x))
	case *array.Int64Builder:
		x, ok := toInt64(v)
		if !ok {
			return mismatch("BIGINT", v)
		}
		b.Append(x)
	case *array.Uint8Builder:
		x, ok := toUint64(v)
		if !ok {
			return mismatch("UTINYINT", v)
		}
		b.Append(uint8(x))
	case *array.Uint16Builder:
		x, ok := toUint64(v)
		if !ok {
			return mismatch("USMALLINT", v)
		}
		b.Append(uint16(x))
	case *array.Uint32Builder:
		x, ok := toUint64(v)
		if !ok {
			return mismatch("UINTEGER", v)
		}
		b.Append(uint32(x))
	case *array.Uint64Builder:
		x, ok := toUint64(v)
		if !ok {
			return mismatch("UBIGINT", v)
		}
		b.Append(x)
	case *array.Float32Builder:
		x, ok := toFloat64(v)
		if !ok {
			return mismatch("FLOAT", v)
		}
		b.Append(float32(x))
	case *array.Float64Builder:
		x, ok := toFloat64(v)
		if !ok {
			return mismatch("DOUBLE", v)
		}
		b.Append(x)
	case *array.Date32Builder:
		x, ok := v.(time.Time)
		if !ok {
			return mismatch("DATE", v)
		}
		b.Append(arrow.Date32FromTime(x))
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return mismatch("TIMESTAMP", v)
		}
		b.Append(arrow.Timestamp(x.UnixMicro()))
	case *array.BinaryBuilder:
		x, ok := v.([]byte)
		if !ok {
			return mismatch("BLOB", v)
		}
		b.Append(x)
	case *array.StringBuilder:
		switch x := v.(type) {
		case string:
			b.Append(x)
		case []byte:
			b.Append(string(x))
		default:
			b.Append(fmt.Sprintf("%v", x))
		}
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

func mismatch(want string, v interface{}) error {
	return fmt.Errorf("cannot store %T as %s", v, want)
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case uint:
		return uint64(x), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f, true
	case duckdb.Decimal:
		return x.Float64(), true
	case interface{ Float64() float64 }:
		return x.Float64(), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	if u, ok := toUint64(v); ok {
		return float64(u), true
	}
	return 0, false
}
