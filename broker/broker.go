// Package broker coordinates envelope creation, policy evaluation,
// persistence and retry bookkeeping.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/policy"
	"github.com/GoCodeAlone/courier/store"
	"github.com/GoCodeAlone/courier/telemetry"
)

const (
	// MaxRetries is the default number of redeliveries before an envelope
	// is marked failed.
	MaxRetries = 3

	defaultContextSize = 10
)

var (
	ErrRecipientNotRegistered = errors.New("recipient not registered")
	ErrContactNotAllowed      = errors.New("sender may not contact recipient")
	ErrInvalidType            = errors.New("unknown envelope type")
)

// PolicyViolationError reports that an envelope was rejected before it was
// queued.
type PolicyViolationError struct {
	Violations []policy.Violation
}

func (e *PolicyViolationError) Error() string {
	reasons := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		reasons = append(reasons, v.Policy+": "+v.Reason)
	}
	return "message rejected by policy: " + strings.Join(reasons, "; ")
}

// Evaluator decides whether an envelope may be delivered.
type Evaluator interface {
	Evaluate(ctx context.Context, env *envelope.Envelope, pc policy.Context) (bool, []policy.Violation)
}

// Directory answers routing questions about agent names.
type Directory interface {
	IsRegistered(name string) bool
	CanContact(sender, recipient string) bool
}

// Config wires a Broker. Store and Directory are required.
type Config struct {
	Store     store.Store
	Directory Directory
	// Policies may be nil, in which case every envelope passes.
	Policies Evaluator
	Sink     telemetry.Sink
	// Secret signs outgoing envelopes when set.
	Secret string
	// MaxRetries defaults to MaxRetries.
	MaxRetries int
	// ContextSize is how many recent envelopes between the pair are given
	// to policies. Default: 10.
	ContextSize int
	Logger      *slog.Logger
}

// Broker is the entry point for sending and settling envelopes.
type Broker struct {
	store       store.Store
	dir         Directory
	policies    Evaluator
	sink        telemetry.Sink
	secret      string
	maxRetries  int
	contextSize int
	logger      *slog.Logger
}

// New creates a Broker from cfg.
func New(cfg Config) *Broker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = MaxRetries
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = defaultContextSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		store:       cfg.Store,
		dir:         cfg.Directory,
		policies:    cfg.Policies,
		sink:        cfg.Sink,
		secret:      cfg.Secret,
		maxRetries:  cfg.MaxRetries,
		contextSize: cfg.ContextSize,
		logger:      cfg.Logger,
	}
}

// SendRequest describes a message to send.
type SendRequest struct {
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Payload       string         `json:"payload"`
	Type          envelope.Type  `json:"type,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// Send signs, evaluates and queues a message. An unknown recipient fails
// before the store is touched. A policy rejection returns a
// *PolicyViolationError and nothing is queued.
func (b *Broker) Send(ctx context.Context, req SendRequest) (*envelope.Envelope, error) {
	if !b.dir.IsRegistered(req.Recipient) {
		return nil, fmt.Errorf("send to %s: %w", req.Recipient, ErrRecipientNotRegistered)
	}
	if !b.dir.CanContact(req.Sender, req.Recipient) {
		return nil, fmt.Errorf("send %s -> %s: %w", req.Sender, req.Recipient, ErrContactNotAllowed)
	}
	typ := req.Type
	if typ == "" {
		typ = envelope.TypeDirect
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("send %q: %w", typ, ErrInvalidType)
	}

	env := envelope.New(envelope.Options{
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		Payload:       req.Payload,
		Type:          typ,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		Secret:        b.secret,
	})

	if b.policies != nil {
		history, err := b.recentHistory(ctx, req.Sender, req.Recipient)
		if err != nil {
			return nil, err
		}
		passed, violations := b.policies.Evaluate(ctx, env, policy.Context{History: history, Extra: req.Context})
		if !passed {
			b.logger.Info("message rejected by policy",
				slog.String("sender", req.Sender),
				slog.String("recipient", req.Recipient),
				slog.Int("violations", len(violations)))
			return nil, &PolicyViolationError{Violations: violations}
		}
	}

	if err := b.store.Save(ctx, env, store.StatePending); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	telemetry.Emit(ctx, b.sink, telemetry.Event{
		Type:          telemetry.MessageSent,
		AgentID:       env.Sender,
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Details:       map[string]any{"recipient": env.Recipient, "type": string(env.Type)},
	})
	return env, nil
}

// recentHistory returns the last envelopes between the pair, oldest first.
func (b *Broker) recentHistory(ctx context.Context, sender, recipient string) ([]*envelope.Envelope, error) {
	hist, err := b.store.Conversation(ctx, sender, recipient, store.Window{Limit: b.contextSize})
	if err != nil {
		return nil, fmt.Errorf("load conversation context: %w", err)
	}
	slices.Reverse(hist)
	return hist, nil
}

// Pending returns the queued envelopes for recipient in arrival order.
func (b *Broker) Pending(ctx context.Context, recipient string) ([]*envelope.Envelope, error) {
	envs, err := b.store.Pending(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("pending for %s: %w", recipient, err)
	}
	if len(envs) > 0 {
		telemetry.Emit(ctx, b.sink, telemetry.Event{
			Type:    telemetry.QueueLengthChanged,
			AgentID: recipient,
			Details: map[string]any{"queue_length": len(envs)},
		})
	}
	return envs, nil
}

// Acknowledge marks id processed. duration is reported with the event
// when positive.
func (b *Broker) Acknowledge(ctx context.Context, id, recipient string, duration time.Duration) error {
	if err := b.store.UpdateState(ctx, id, store.StateProcessed, store.KeepRetryCount); err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	telemetry.Emit(ctx, b.sink, telemetry.Event{
		Type:      telemetry.MessageProcessed,
		AgentID:   recipient,
		MessageID: id,
		Duration:  duration,
	})
	return nil
}

// HandleFailure records a failed delivery of id. It returns true when the
// envelope was requeued and false once the retry budget is exhausted. An
// envelope that is already settled is left untouched.
func (b *Broker) HandleFailure(ctx context.Context, id, recipient string, cause error) (bool, error) {
	rec, err := b.store.Record(ctx, id)
	if err != nil {
		return false, fmt.Errorf("handle failure %s: %w", id, err)
	}
	if rec.State.Terminal() {
		return false, nil
	}

	state, count, err := b.store.RecordFailure(ctx, id, b.maxRetries)
	if errors.Is(err, store.ErrIllegalTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("handle failure %s: %w", id, err)
	}

	details := map[string]any{"retry_count": count}
	if cause != nil {
		details["error"] = cause.Error()
	}

	if state == store.StatePending {
		telemetry.Emit(ctx, b.sink, telemetry.Event{
			Type:          telemetry.Retry,
			AgentID:       recipient,
			MessageID:     id,
			CorrelationID: rec.Envelope.CorrelationID,
			Details:       details,
		})
		return true, nil
	}

	b.logger.Warn("message failed permanently",
		slog.String("message_id", id),
		slog.String("recipient", recipient),
		slog.Int("retries", count))
	telemetry.Emit(ctx, b.sink, telemetry.Event{
		Type:          telemetry.MessageFailed,
		AgentID:       recipient,
		MessageID:     id,
		CorrelationID: rec.Envelope.CorrelationID,
		Details:       details,
	})
	return false, nil
}

// Get returns an envelope with its lifecycle state.
func (b *Broker) Get(ctx context.Context, id string) (*store.Record, error) {
	return b.store.Record(ctx, id)
}

// Messages queries the message log, newest first.
func (b *Broker) Messages(ctx context.Context, f store.Filter) ([]*envelope.Envelope, error) {
	return b.store.Query(ctx, f)
}

// Conversation returns the exchange between two agents, newest first.
func (b *Broker) Conversation(ctx context.Context, a, c string, w store.Window) ([]*envelope.Envelope, error) {
	return b.store.Conversation(ctx, a, c, w)
}

type violationTrimmer interface {
	TrimViolations(cutoff time.Time) int
}

// Cleanup purges processed envelopes older than maxAge and trims the
// policy violation history to the same horizon.
func (b *Broker) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := b.store.Cleanup(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	trimmed := 0
	if t, ok := b.policies.(violationTrimmer); ok {
		trimmed = t.TrimViolations(time.Now().UTC().Add(-maxAge))
	}
	b.logger.Debug("cleanup complete", slog.Int64("messages", n), slog.Int("violations", trimmed))
	return n, nil
}

// Verify reports whether env carries a valid signature for this broker's
// secret. It is always false when the broker has no secret.
func (b *Broker) Verify(env *envelope.Envelope) bool {
	return env.Verify(b.secret)
}
