// Package store defines the durable message log and its lifecycle states.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/GoCodeAlone/courier/envelope"
)

// State is the lifecycle state of a stored envelope.
type State string

const (
	StatePending   State = "pending"
	StateProcessed State = "processed"
	StateFailed    State = "failed"
)

// KeepRetryCount tells UpdateState to leave the retry counter unchanged.
const KeepRetryCount = -1

var (
	ErrNotFound          = errors.New("message not found")
	ErrDuplicate         = errors.New("duplicate message id")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrConflict          = errors.New("message state changed concurrently")
)

// allowedTransitions lists the states reachable from each state. Terminal
// states have no outgoing edges.
var allowedTransitions = map[State][]State{
	StatePending:   {StatePending, StateProcessed, StateFailed},
	StateProcessed: {},
	StateFailed:    {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s.Valid() && len(allowedTransitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is an envelope together with its lifecycle bookkeeping.
type Record struct {
	Envelope   *envelope.Envelope `json:"envelope"`
	State      State              `json:"state"`
	RetryCount int                `json:"retry_count"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Window bounds a query by time and size. Zero values mean unbounded.
type Window struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// Filter selects envelopes for Query.
type Filter struct {
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Window
}

// Metric is one named aggregate for an agent.
type Metric struct {
	Agent     string    `json:"agent"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists envelopes and their lifecycle state.
type Store interface {
	// Save appends env in the given state. A duplicate id returns ErrDuplicate.
	Save(ctx context.Context, env *envelope.Envelope, state State) error

	// Get retrieves an envelope by id.
	Get(ctx context.Context, id string) (*envelope.Envelope, error)

	// Record retrieves an envelope with its state and retry count.
	Record(ctx context.Context, id string) (*Record, error)

	// Pending returns the pending envelopes addressed to recipient in
	// arrival order.
	Pending(ctx context.Context, recipient string) ([]*envelope.Envelope, error)

	// UpdateState moves id to state. Pass KeepRetryCount to leave the
	// counter alone. Moves out of a terminal state return ErrIllegalTransition.
	UpdateState(ctx context.Context, id string, state State, retryCount int) error

	// RecordFailure bumps the retry counter of a pending id in one step. The
	// envelope stays pending while the new count is within maxRetries and
	// becomes failed beyond it. A settled id returns ErrIllegalTransition.
	RecordFailure(ctx context.Context, id string, maxRetries int) (State, int, error)

	// RetryCount returns the retry counter for id, or 0 when id is unknown.
	RetryCount(ctx context.Context, id string) (int, error)

	// Query returns envelopes matching f, newest first.
	Query(ctx context.Context, f Filter) ([]*envelope.Envelope, error)

	// Conversation returns envelopes exchanged between a and b in either
	// direction, newest first.
	Conversation(ctx context.Context, a, b string, w Window) ([]*envelope.Envelope, error)

	// Cleanup deletes processed envelopes older than maxAge and returns
	// how many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)

	// RecordMetric adds delta to the (agent, name) aggregate.
	RecordMetric(ctx context.Context, agent, name string, delta float64) error

	// Metrics lists aggregates for agent, or for every agent when empty.
	Metrics(ctx context.Context, agent string) ([]Metric, error)

	Close() error
}
