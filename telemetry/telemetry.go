// Package telemetry records message lifecycle and agent events.
package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	MessageSent         EventType = "message_sent"
	MessageReceived     EventType = "message_received"
	MessageProcessed    EventType = "message_processed"
	MessageFailed       EventType = "message_failed"
	AgentActivated      EventType = "agent_activated"
	AgentDeactivated    EventType = "agent_deactivated"
	AgentRegistered     EventType = "agent_registered"
	AgentUnregistered   EventType = "agent_unregistered"
	ProcessingStarted   EventType = "processing_started"
	ProcessingCompleted EventType = "processing_completed"
	Error               EventType = "error"
	Retry               EventType = "retry"
	QueueLengthChanged  EventType = "queue_length_changed"
	ConnectionEvent     EventType = "connection_event"
)

// Event is a single telemetry record.
type Event struct {
	Type          EventType      `json:"type"`
	AgentID       string         `json:"agent_id,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink receives events. Implementations must not block for long and must
// be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Emit stamps ev and hands it to sink. A nil sink discards the event.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	sink.Record(ctx, ev)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Multi fans out events to several sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Multi forwarding to every non-nil sink.
func NewMulti(sinks ...Sink) *Multi {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Multi{sinks: filtered}
}

func (m *Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m.sinks {
		s.Record(ctx, ev)
	}
}

// SlogSink writes each event to a logger. Failures and errors log at warn,
// everything else at debug.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a SlogSink emitting to logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Record(ctx context.Context, ev Event) {
	level := slog.LevelDebug
	if ev.Type == MessageFailed || ev.Type == Error {
		level = slog.LevelWarn
	}
	attrs := make([]slog.Attr, 0, len(ev.Details)+4)
	if ev.AgentID != "" {
		attrs = append(attrs, slog.String("agent", ev.AgentID))
	}
	if ev.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", ev.MessageID))
	}
	if ev.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", ev.CorrelationID))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	for k, v := range ev.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, level, string(ev.Type), attrs...)
}
