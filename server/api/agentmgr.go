package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/registry"
)

// Manager implements AgentManager on a registry, building new agents with
// a factory.
type Manager struct {
	reg     *registry.Registry
	factory *agent.Factory
	logger  *slog.Logger
}

// NewAgentManager creates a Manager. factory may be nil, in which case
// CreateAgent always fails.
func NewAgentManager(reg *registry.Registry, factory *agent.Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{reg: reg, factory: factory, logger: logger}
}

func (m *Manager) info(a registry.Agent) AgentInfo {
	state, _ := m.reg.State(a.Name())
	contacts := a.Contacts()
	if contacts == nil {
		contacts = []string{}
	}
	return AgentInfo{
		Name:             a.Name(),
		Description:      a.Description(),
		ShortDescription: a.ShortDescription(),
		Contacts:         contacts,
		State:            string(state),
	}
}

// ListAgents returns all agents in registration order.
func (m *Manager) ListAgents() []AgentInfo {
	all := m.reg.All()
	infos := make([]AgentInfo, 0, len(all))
	for _, a := range all {
		infos = append(infos, m.info(a))
	}
	return infos
}

// GetAgent returns the agent info for name.
func (m *Manager) GetAgent(name string) (AgentInfo, bool) {
	a, ok := m.reg.Get(name)
	if !ok {
		return AgentInfo{}, false
	}
	return m.info(a), true
}

// CreateAgent builds and registers a new, inactive agent.
func (m *Manager) CreateAgent(ctx context.Context, spec agent.Spec) (AgentInfo, error) {
	if m.factory == nil {
		return AgentInfo{}, fmt.Errorf("agent creation is not configured")
	}
	a, err := m.factory.Build(spec)
	if err != nil {
		return AgentInfo{}, err
	}
	if err := m.reg.Register(ctx, a); err != nil {
		return AgentInfo{}, err
	}
	m.logger.Info("agent created", slog.String("agent", a.Name()))
	return m.info(a), nil
}

func (m *Manager) DeleteAgent(ctx context.Context, name string) error {
	return m.reg.Unregister(ctx, name)
}

func (m *Manager) ActivateAgent(ctx context.Context, name string) error {
	return m.reg.Activate(ctx, name)
}

func (m *Manager) DeactivateAgent(ctx context.Context, name string) error {
	return m.reg.Deactivate(ctx, name)
}
