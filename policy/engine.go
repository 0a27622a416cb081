package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/courier/envelope"
)

var (
	// ErrPolicyNotFound is returned by mutations naming an unknown policy.
	ErrPolicyNotFound = errors.New("policy not found")
	ErrPolicyExists   = errors.New("policy already exists")
)

const defaultHistorySize = 1000

// EngineConfig configures an Engine. Zero values take defaults.
type EngineConfig struct {
	// Judge evaluates judged policies. Without one they pass with a warning.
	Judge Judge
	// HistorySize bounds the violation history. Default: 1000.
	HistorySize int
	Logger      *slog.Logger
}

// Engine holds the ordered policy set and the violation history.
type Engine struct {
	mu       sync.RWMutex
	policies []*Policy

	judge  Judge
	logger *slog.Logger

	histMu  sync.Mutex
	history []Violation
	maxHist int
}

// NewEngine creates an empty Engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		judge:   cfg.Judge,
		logger:  cfg.Logger,
		maxHist: cfg.HistorySize,
	}
}

// Add inserts p and re-sorts the set by descending priority. Equal
// priorities keep insertion order.
func (e *Engine) Add(p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	if p.Check == nil {
		return fmt.Errorf("policy %s: check is required", p.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indexLocked(p.Name) >= 0 {
		return fmt.Errorf("policy %s: %w", p.Name, ErrPolicyExists)
	}
	e.policies = append(e.policies, &p)
	sort.SliceStable(e.policies, func(i, j int) bool {
		return e.policies[i].Priority > e.policies[j].Priority
	})
	return nil
}

// Remove deletes the named policy.
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("policy %s: %w", name, ErrPolicyNotFound)
	}
	e.policies = append(e.policies[:i], e.policies[i+1:]...)
	return nil
}

// Get returns a copy of the named policy.
func (e *Engine) Get(name string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if i := e.indexLocked(name); i >= 0 {
		return *e.policies[i], true
	}
	return Policy{}, false
}

// Enable turns the named policy on.
func (e *Engine) Enable(name string) error { return e.setEnabled(name, true) }

// Disable turns the named policy off without removing it.
func (e *Engine) Disable(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("policy %s: %w", name, ErrPolicyNotFound)
	}
	e.policies[i].Enabled = on
	return nil
}

// List returns copies of all policies in evaluation order.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	for i, p := range e.policies {
		out[i] = *p
	}
	return out
}

func (e *Engine) indexLocked(name string) int {
	for i, p := range e.policies {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Evaluate runs env through the enabled policies in priority order. A
// failing policy at or above HardStopPriority ends evaluation. A policy
// that errors or panics is logged and counted as a pass.
func (e *Engine) Evaluate(ctx context.Context, env *envelope.Envelope, pc Context) (bool, []Violation) {
	var violations []Violation
	for _, p := range e.List() {
		if !p.Enabled {
			continue
		}
		passed, reason, err := e.run(ctx, p, env, pc)
		if err != nil {
			e.logger.Warn("policy evaluation error, treating as pass",
				slog.String("policy", p.Name),
				slog.String("message_id", env.ID),
				slog.Any("err", err))
			continue
		}
		if passed {
			continue
		}
		if reason == "" {
			reason = "Violated policy: " + p.Name
		}
		v := Violation{
			Policy:    p.Name,
			Reason:    reason,
			MessageID: env.ID,
			Sender:    env.Sender,
			Recipient: env.Recipient,
			Timestamp: time.Now().UTC(),
		}
		violations = append(violations, v)
		e.record(v)
		if p.Priority >= HardStopPriority {
			break
		}
	}
	return len(violations) == 0, violations
}

func (e *Engine) run(ctx context.Context, p Policy, env *envelope.Envelope, pc Context) (passed bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("policy %s panicked: %v", p.Name, r)
		}
	}()
	return p.Check.check(ctx, e.judge, env, pc)
}

func (e *Engine) record(v Violation) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, v)
	if len(e.history) > e.maxHist {
		e.history = e.history[len(e.history)-e.maxHist:]
	}
}

// Violations returns recorded violations newest first, optionally limited
// to one policy. limit <= 0 returns all retained entries.
func (e *Engine) Violations(policyName string, limit int) []Violation {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	var out []Violation
	for i := len(e.history) - 1; i >= 0; i-- {
		v := e.history[i]
		if policyName != "" && v.Policy != policyName {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// TrimViolations drops history entries recorded before cutoff and returns
// how many were removed.
func (e *Engine) TrimViolations(cutoff time.Time) int {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	keep := e.history[:0]
	for _, v := range e.history {
		if !v.Timestamp.Before(cutoff) {
			keep = append(keep, v)
		}
	}
	removed := len(e.history) - len(keep)
	e.history = keep
	return removed
}
