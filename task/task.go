package task

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Rank orders states along the lifecycle DAG. Every terminal state shares
// the highest rank. Observers can use it to check monotonicity.
func (s State) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed, StateCancelled:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	return s.Rank() >= 0
}

// Work is a unit of deferred work with its arguments already bound.
// The returned value is JSON-encoded once and cached in the record.
type Work func(ctx context.Context) (any, error)

// FailureKind classifies why a task ended in StateFailed.
type FailureKind string

const (
	FailureError    FailureKind = "error"
	FailurePanic    FailureKind = "panic"
	FailureDeadline FailureKind = "deadline"
	FailureResource FailureKind = "resource"
	FailureEncode   FailureKind = "encode"
)

type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Record is a snapshot of one task. Snapshots are values: mutating one never
// affects the registry.
type Record struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	State      State           `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
}

func (r Record) clone() Record {
	c := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.Result != nil {
		c.Result = bytes.Clone(r.Result)
	}
	if r.Error != nil {
		f := *r.Error
		c.Error = &f
	}
	return c
}

// Outcome converts a terminal record into the value-or-error a caller of
// result() receives. Non-terminal records yield ErrNotReady.
func (r Record) Outcome() (json.RawMessage, error) {
	switch r.State {
	case StateCompleted:
		return r.Result, nil
	case StateFailed:
		f := Failure{Kind: FailureError}
		if r.Error != nil {
			f = *r.Error
		}
		return nil, &TaskError{ID: r.ID, Failure: f}
	case StateCancelled:
		return nil, cancelledError(r.ID)
	}
	return nil, notReadyError(r.ID, r.State)
}
