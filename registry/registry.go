// Package registry maps agent names to agents and their activation state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/GoCodeAlone/courier/telemetry"
)

var (
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrNotRegistered     = errors.New("agent not registered")
	ErrInvalidName       = errors.New("invalid agent name")
)

// ValidateName rejects names that are empty, "." or "..", or that contain a
// path separator or control character. Agent names double as transcript
// file names.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: %q contains a control character", ErrInvalidName, name)
	}
	return nil
}

// Agent is an addressable participant.
type Agent interface {
	Name() string
	Description() string
	// ShortDescription is a one-line summary shown to other agents.
	ShortDescription() string
	// Contacts lists the names this agent may address. Empty means the
	// list has not been set.
	Contacts() []string
	SetContacts(names []string)
	// Activate allocates conversational resources. It is called once per
	// INACTIVE -> ACTIVE transition.
	Activate(ctx context.Context) error
}

// State is an agent's activation state.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

type entry struct {
	agent Agent
	state State
	// activating is closed when an in-flight activation finishes.
	activating chan struct{}
}

// Registry is the authoritative set of known agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	order  []string

	sink   telemetry.Sink
	logger *slog.Logger
}

// New creates an empty Registry. sink may be nil.
func New(sink telemetry.Sink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*entry),
		sink:   sink,
		logger: logger,
	}
}

// Register adds a to the registry in the inactive state.
func (r *Registry) Register(ctx context.Context, a Agent) error {
	name := a.Name()
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	r.mu.Lock()
	if _, exists := r.agents[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", name, ErrAlreadyRegistered)
	}
	r.agents[name] = &entry{agent: a, state: StateInactive}
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logger.Info("agent registered", slog.String("agent", name))
	telemetry.Emit(ctx, r.sink, telemetry.Event{Type: telemetry.AgentRegistered, AgentID: name})
	return nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// All returns every agent in registration order.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.agents[n].agent)
	}
	return out
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// IsRegistered reports whether name is known.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Unregister removes the named agent.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.agents[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", name, ErrNotRegistered)
	}
	delete(r.agents, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.mu.Unlock()

	telemetry.Emit(ctx, r.sink, telemetry.Event{Type: telemetry.AgentUnregistered, AgentID: name})
	return nil
}

// UnregisterAll removes every agent.
func (r *Registry) UnregisterAll(ctx context.Context) {
	r.mu.Lock()
	names := r.order
	r.agents = make(map[string]*entry)
	r.order = nil
	r.mu.Unlock()

	for _, n := range names {
		telemetry.Emit(ctx, r.sink, telemetry.Event{Type: telemetry.AgentUnregistered, AgentID: n})
	}
}

// NamesWithShortDescriptions maps each agent name to its one-line summary.
func (r *Registry) NamesWithShortDescriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.agents))
	for n, e := range r.agents {
		out[n] = e.agent.ShortDescription()
	}
	return out
}

// PopulateDefaultContactLists gives every agent with an empty contact list
// all currently registered names. Later registrations are not added.
func (r *Registry) PopulateDefaultContactLists() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.agents {
		if len(e.agent.Contacts()) == 0 {
			e.agent.SetContacts(slices.Clone(r.order))
		}
	}
}

// CanContact reports whether sender may address recipient. Senders that
// are not registered agents, and agents without a contact list, are
// unrestricted.
func (r *Registry) CanContact(sender, recipient string) bool {
	r.mu.RLock()
	e, ok := r.agents[sender]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	contacts := e.agent.Contacts()
	return len(contacts) == 0 || slices.Contains(contacts, recipient)
}

// Activate moves the named agent to the active state, calling its Activate
// hook on the first transition. Activating an active agent is a no-op.
// Concurrent callers wait for an activation already in flight.
func (r *Registry) Activate(ctx context.Context, name string) error {
	for {
		r.mu.Lock()
		e, ok := r.agents[name]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("agent %s: %w", name, ErrNotRegistered)
		}
		if e.state == StateActive {
			r.mu.Unlock()
			return nil
		}
		if wait := e.activating; wait != nil {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		e.activating = done
		r.mu.Unlock()

		err := e.agent.Activate(ctx)

		r.mu.Lock()
		e.activating = nil
		if err == nil {
			e.state = StateActive
		}
		r.mu.Unlock()
		close(done)

		if err != nil {
			return fmt.Errorf("activate agent %s: %w", name, err)
		}
		r.logger.Info("agent activated", slog.String("agent", name))
		telemetry.Emit(ctx, r.sink, telemetry.Event{Type: telemetry.AgentActivated, AgentID: name})
		return nil
	}
}

// Deactivate stops delivery to the named agent. Its pending messages stay
// queued until it is activated again.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", name, ErrNotRegistered)
	}
	changed := e.state == StateActive
	e.state = StateInactive
	r.mu.Unlock()

	if changed {
		telemetry.Emit(ctx, r.sink, telemetry.Event{Type: telemetry.AgentDeactivated, AgentID: name})
	}
	return nil
}

// State returns the activation state of name.
func (r *Registry) State(name string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return "", false
	}
	return e.state, true
}

// IsActive reports whether name is registered and active.
func (r *Registry) IsActive(name string) bool {
	s, ok := r.State(name)
	return ok && s == StateActive
}

// Active returns the active agents in registration order.
func (r *Registry) Active() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, n := range r.order {
		if e := r.agents[n]; e.state == StateActive {
			out = append(out, e.agent)
		}
	}
	return out
}
