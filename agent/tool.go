package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GoCodeAlone/courier/provider"
)

// Tool extends agents with capabilities the model can invoke.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Definition returns the tool definition for the AI provider.
	Definition() provider.ToolDef

	// Execute runs the tool with the given arguments. The returned text is
	// handed back to the model as the tool result.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Toolset holds the tools available to one agent.
type Toolset struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolset creates a Toolset holding tools.
func NewToolset(tools ...Tool) (*Toolset, error) {
	ts := &Toolset{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := ts.Register(t); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// Register adds a tool.
// Returns an error if a tool with the same name is already registered.
func (ts *Toolset) Register(t Tool) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	ts.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (ts *Toolset) Get(name string) (Tool, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tools[name]
	return t, ok
}

// Definitions returns the provider definitions of every tool, sorted by
// name.
func (ts *Toolset) Definitions() []provider.ToolDef {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	defs := make([]provider.ToolDef, 0, len(ts.tools))
	for _, t := range ts.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool. Unknown tools and tool errors are reported
// as text so the model can recover.
func (ts *Toolset) Execute(ctx context.Context, call provider.ToolCall) string {
	t, ok := ts.Get(call.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	out, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}
