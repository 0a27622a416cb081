// Package api defines the REST API handlers and interfaces for the courier
// server.
package api

import (
	"context"
	"time"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/policy"
	"github.com/GoCodeAlone/courier/store"
)

// AgentInfo is the API view of a registered agent.
type AgentInfo struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	ShortDescription string   `json:"short_description"`
	Contacts         []string `json:"contacts"`
	State            string   `json:"state"`
}

// AgentManager is the interface the API uses to control agents.
type AgentManager interface {
	ListAgents() []AgentInfo
	GetAgent(name string) (AgentInfo, bool)
	CreateAgent(ctx context.Context, spec agent.Spec) (AgentInfo, error)
	DeleteAgent(ctx context.Context, name string) error
	ActivateAgent(ctx context.Context, name string) error
	DeactivateAgent(ctx context.Context, name string) error
}

// Messenger sends and looks up envelopes.
type Messenger interface {
	Send(ctx context.Context, req broker.SendRequest) (*envelope.Envelope, error)
	Get(ctx context.Context, id string) (*store.Record, error)
	Messages(ctx context.Context, f store.Filter) ([]*envelope.Envelope, error)
	Conversation(ctx context.Context, a, b string, w store.Window) ([]*envelope.Envelope, error)
}

// PolicyAdmin manages the policy engine.
type PolicyAdmin interface {
	List() []policy.Policy
	Add(p policy.Policy) error
	Remove(name string) error
	Enable(name string) error
	Disable(name string) error
	Violations(policyName string, limit int) []policy.Violation
}

// MetricsReader reads the aggregate metrics table.
type MetricsReader interface {
	Metrics(ctx context.Context, agent string) ([]store.Metric, error)
}

// Status summarizes the running server.
type Status struct {
	Status       string        `json:"status"`
	Version      string        `json:"version"`
	ServerID     string        `json:"server_id,omitempty"`
	Agents       int           `json:"agents"`
	ActiveAgents int           `json:"active_agents"`
	Uptime       time.Duration `json:"uptime_ns"`
}
