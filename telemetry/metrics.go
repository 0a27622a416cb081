package telemetry

import (
	"context"
	"log/slog"
)

// MetricWriter accumulates named per-agent aggregates.
type MetricWriter interface {
	RecordMetric(ctx context.Context, agent, name string, delta float64) error
}

// metricNames maps counted event types to their aggregate name.
var metricNames = map[EventType]string{
	MessageSent:      "messages_sent",
	MessageReceived:  "messages_received",
	MessageProcessed: "messages_processed",
	MessageFailed:    "messages_failed",
	Retry:            "retries",
	Error:            "errors",
}

// MetricsSink folds events into per-agent counters.
type MetricsSink struct {
	w      MetricWriter
	logger *slog.Logger
}

// NewMetricsSink creates a MetricsSink writing to w.
func NewMetricsSink(w MetricWriter, logger *slog.Logger) *MetricsSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsSink{w: w, logger: logger}
}

func (m *MetricsSink) Record(ctx context.Context, ev Event) {
	if ev.AgentID == "" {
		return
	}
	name, ok := metricNames[ev.Type]
	if !ok {
		return
	}
	m.add(ctx, ev.AgentID, name, 1)
	if ev.Type == MessageProcessed && ev.Duration > 0 {
		m.add(ctx, ev.AgentID, "processing_ms", float64(ev.Duration.Milliseconds()))
	}
}

func (m *MetricsSink) add(ctx context.Context, agent, name string, delta float64) {
	if err := m.w.RecordMetric(ctx, agent, name, delta); err != nil {
		m.logger.Warn("record metric", slog.String("agent", agent), slog.String("metric", name), slog.Any("err", err))
	}
}
