package server

import (
	"context"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/server/api"
)

// stubAgentManager satisfies api.AgentManager for tests.
type stubAgentManager struct {
	agents []api.AgentInfo
}

func (m *stubAgentManager) ListAgents() []api.AgentInfo { return m.agents }

func (m *stubAgentManager) GetAgent(name string) (api.AgentInfo, bool) {
	for _, a := range m.agents {
		if a.Name == name {
			return a, true
		}
	}
	return api.AgentInfo{}, false
}

func (m *stubAgentManager) CreateAgent(_ context.Context, s agent.Spec) (api.AgentInfo, error) {
	info := api.AgentInfo{Name: s.Name, Description: s.Description, State: "inactive"}
	m.agents = append(m.agents, info)
	return info, nil
}

func (m *stubAgentManager) DeleteAgent(context.Context, string) error     { return nil }
func (m *stubAgentManager) ActivateAgent(context.Context, string) error   { return nil }
func (m *stubAgentManager) DeactivateAgent(context.Context, string) error { return nil }
