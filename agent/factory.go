package agent

import (
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/session"
)

// Spec describes an agent to build.
type Spec struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Contacts     []string `json:"contacts,omitempty" yaml:"contacts"`
	// Provider names an entry in Factory.Providers. Empty selects the
	// default.
	Provider string `json:"provider,omitempty" yaml:"provider"`
}

// Factory builds agents that share collaborators.
type Factory struct {
	Providers       map[string]provider.Provider
	DefaultProvider string
	Sessions        session.Factory
	Broker          Sender
	Directory       Directory
	Notifier        Notifier
	Logger          *slog.Logger
	MaxIterations   int
}

// Build creates the agent described by s.
func (f *Factory) Build(s Spec) (*Agent, error) {
	name := s.Provider
	if name == "" {
		name = f.DefaultProvider
	}
	p, ok := f.Providers[name]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown provider %q", s.Name, name)
	}
	return New(Config{
		Name:          s.Name,
		Description:   s.Description,
		SystemPrompt:  s.SystemPrompt,
		Contacts:      s.Contacts,
		Provider:      p,
		Sessions:      f.Sessions,
		Broker:        f.Broker,
		Directory:     f.Directory,
		Notifier:      f.Notifier,
		Logger:        f.Logger,
		MaxIterations: f.MaxIterations,
	})
}
