package domain

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// ChunkSource produces the ordered chunks of a remote result set.
// Implemented by flight.TicketSource and flight.StatementSource.
//
// Next blocks until the next chunk is available. It returns io.EOF once the
// stream is exhausted; any other error is a transport failure. The returned
// record is owned by the caller, who must Release it.
type ChunkSource interface {
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// SchemaAdvertiser is implemented by sources that know their schema before
// (or without) delivering a chunk, e.g. a Flight stream whose first message
// is the schema.
type SchemaAdvertiser interface {
	Schema() *arrow.Schema
}
