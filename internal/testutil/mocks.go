// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"duck-flight/internal/domain"
)

// Compile-time checks.
var _ domain.ChunkSource = (*MockChunkSource)(nil)
var _ domain.SchemaAdvertiser = (*MockChunkSource)(nil)

// === Chunk Source Mock ===

// Step is one scripted result of MockChunkSource.Next: either a record or an
// error. A Step with neither ends the stream with io.EOF.
type Step struct {
	Rec arrow.Record
	Err error
	// Block makes Next wait for ctx cancellation instead of returning.
	Block bool
}

// MockChunkSource replays scripted steps. Records are handed out with an
// extra reference, so the mock keeps its own and releases it on Close.
type MockChunkSource struct {
	Steps      []Step
	Advertised *arrow.Schema

	mu     sync.Mutex
	pos    int
	Pulls  int
	Closed bool
}

// NewMockChunkSource returns a source that yields recs and then io.EOF.
func NewMockChunkSource(recs ...arrow.Record) *MockChunkSource {
	steps := make([]Step, len(recs))
	for i, r := range recs {
		steps[i] = Step{Rec: r}
	}
	return &MockChunkSource{Steps: steps}
}

// Next implements domain.ChunkSource.
func (m *MockChunkSource) Next(ctx context.Context) (arrow.Record, error) {
	m.mu.Lock()
	m.Pulls++
	if m.pos >= len(m.Steps) {
		m.mu.Unlock()
		return nil, io.EOF
	}
	step := m.Steps[m.pos]
	m.pos++
	m.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Rec == nil {
		return nil, io.EOF
	}
	step.Rec.Retain()
	return step.Rec, nil
}

// Schema implements domain.SchemaAdvertiser.
func (m *MockChunkSource) Schema() *arrow.Schema {
	return m.Advertised
}

// Close implements domain.ChunkSource and releases the scripted records.
func (m *MockChunkSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return nil
	}
	m.Closed = true
	for _, s := range m.Steps {
		if s.Rec != nil {
			s.Rec.Release()
		}
	}
	return nil
}
