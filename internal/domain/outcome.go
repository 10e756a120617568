package domain

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// State is the position of a materialization in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateWriting
	StateDone
	StateEmpty
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateEmpty:
		return "empty"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateEmpty || s == StateFailed
}

// Outcome is the terminal result of a materialization.
//
// Location is set for StateDone, and for StateFailed when a partial container
// was finalized. Schema is the frozen container schema; for StateEmpty it is
// the schema advertised by the source, or nil when none is known.
type Outcome struct {
	State     State
	Location  string
	Schema    *arrow.Schema
	Rows      int64
	Chunks    int
	RowGroups int
	Partial   bool
	Err       error
}

// HasContainer reports whether the outcome points at a finalized container.
func (o *Outcome) HasContainer() bool {
	return o != nil && o.Location != ""
}
