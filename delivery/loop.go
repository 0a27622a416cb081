// Package delivery drains each active agent's pending queue on a fixed
// interval.
//
// Envelopes for one agent are processed one at a time in arrival order.
// Different agents are drained concurrently, and an agent still busy with
// an earlier tick is skipped rather than waited on, so one slow agent never
// holds up the others.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/registry"
	"github.com/GoCodeAlone/courier/telemetry"
)

const defaultInterval = time.Second

// Processor handles one delivered envelope.
type Processor interface {
	ProcessMessage(ctx context.Context, env *envelope.Envelope) error
}

// Queue is the broker surface the loop needs.
type Queue interface {
	Pending(ctx context.Context, recipient string) ([]*envelope.Envelope, error)
	Acknowledge(ctx context.Context, id, recipient string, duration time.Duration) error
	HandleFailure(ctx context.Context, id, recipient string, cause error) (bool, error)
}

// Roster lists the agents currently eligible for delivery.
type Roster interface {
	Active() []registry.Agent
}

// Notifier forwards text to whoever is watching an agent. It must return
// nil when nobody is.
type Notifier interface {
	Notify(ctx context.Context, agent, text string) error
}

// Config wires a Loop. Queue and Roster are required.
type Config struct {
	Queue    Queue
	Roster   Roster
	Notifier Notifier
	Sink     telemetry.Sink
	// Interval between ticks. Default: 1s.
	Interval time.Duration
	Logger   *slog.Logger
}

// Loop is the delivery scheduler.
type Loop struct {
	queue    Queue
	roster   Roster
	notifier Notifier
	sink     telemetry.Sink
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// New creates a Loop from cfg.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		queue:    cfg.Queue,
		roster:   cfg.Roster,
		notifier: cfg.Notifier,
		sink:     cfg.Sink,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		busy:     make(map[string]bool),
	}
}

// Run ticks until ctx is done, then waits for in-flight drains to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("delivery loop started", slog.Duration("interval", l.interval))
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var ticks errgroup.Group
	for {
		select {
		case <-ctx.Done():
			_ = ticks.Wait()
			l.logger.Info("delivery loop stopped")
			return nil
		case <-ticker.C:
			ticks.Go(func() error {
				l.Tick(ctx)
				return nil
			})
		}
	}
}

// Tick drains every active agent that is not already being drained and
// returns when those drains finish.
func (l *Loop) Tick(ctx context.Context) {
	var g errgroup.Group
	for _, a := range l.roster.Active() {
		name := a.Name()
		p, ok := a.(Processor)
		if !ok {
			l.logger.Warn("active agent cannot process messages", slog.String("agent", name))
			continue
		}
		if !l.claim(name) {
			continue
		}
		g.Go(func() error {
			defer l.release(name)
			l.drain(ctx, name, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loop) claim(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[name] {
		return false
	}
	l.busy[name] = true
	return true
}

func (l *Loop) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, name)
}

func (l *Loop) drain(ctx context.Context, name string, p Processor) {
	envs, err := l.queue.Pending(ctx, name)
	if err != nil {
		l.logger.Error("fetch pending", slog.String("agent", name), slog.Any("err", err))
		return
	}
	for _, env := range envs {
		if ctx.Err() != nil {
			return
		}
		l.deliver(ctx, name, p, env)
	}
}

func (l *Loop) deliver(ctx context.Context, name string, p Processor, env *envelope.Envelope) {
	telemetry.Emit(ctx, l.sink, telemetry.Event{
		Type:          telemetry.MessageReceived,
		AgentID:       name,
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Details:       map[string]any{"sender": env.Sender},
	})
	if l.notifier != nil {
		if err := l.notifier.Notify(ctx, name, env.Sender+": "+env.Payload); err != nil {
			l.logger.Debug("notify observers", slog.String("agent", name), slog.Any("err", err))
		}
	}

	telemetry.Emit(ctx, l.sink, telemetry.Event{Type: telemetry.ProcessingStarted, AgentID: name, MessageID: env.ID})
	start := time.Now()
	err := process(ctx, p, env)
	elapsed := time.Since(start)
	telemetry.Emit(ctx, l.sink, telemetry.Event{
		Type:      telemetry.ProcessingCompleted,
		AgentID:   name,
		MessageID: env.ID,
		Duration:  elapsed,
		Details:   map[string]any{"success": err == nil},
	})

	if err == nil {
		if err := l.queue.Acknowledge(ctx, env.ID, name, elapsed); err != nil {
			l.logger.Error("acknowledge", slog.String("agent", name), slog.String("message_id", env.ID), slog.Any("err", err))
		}
		return
	}

	// A shutdown mid-processing leaves the envelope pending without
	// spending a retry.
	if ctx.Err() != nil {
		return
	}
	l.logger.Warn("processing failed",
		slog.String("agent", name),
		slog.String("message_id", env.ID),
		slog.Any("err", err))
	telemetry.Emit(ctx, l.sink, telemetry.Event{
		Type:      telemetry.Error,
		AgentID:   name,
		MessageID: env.ID,
		Details:   map[string]any{"error": err.Error()},
	})
	if _, err := l.queue.HandleFailure(ctx, env.ID, name, err); err != nil {
		l.logger.Error("record failure", slog.String("agent", name), slog.String("message_id", env.ID), slog.Any("err", err))
	}
}

// process runs p, converting a panic into an error.
func process(ctx context.Context, p Processor, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.ProcessMessage(ctx, env)
}
