// Package mock provides a scripted AI provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/courier/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Step is one scripted reply. A non-nil Err is returned instead of a
// response.
type Step struct {
	Content   string
	ToolCalls []provider.ToolCall
	Err       error
}

// Text is a Step that replies with plain text.
func Text(s string) Step { return Step{Content: s} }

// CallTool is a Step that requests a single tool invocation.
func CallTool(id, name string, args map[string]any) Step {
	return Step{ToolCalls: []provider.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

// Fail is a Step that makes Chat return err.
func Fail(err error) Step { return Step{Err: err} }

// MockProvider implements provider.Provider for testing.
// It returns scripted responses and can simulate tool calls.
type MockProvider struct {
	mu    sync.Mutex
	steps []Step
	idx   int
	calls [][]provider.Message
}

// New creates a MockProvider that cycles through the given text responses.
func New(responses ...string) *MockProvider {
	steps := make([]Step, len(responses))
	for i, r := range responses {
		steps[i] = Text(r)
	}
	return &MockProvider{steps: steps}
}

// NewScripted creates a MockProvider that cycles through steps.
func NewScripted(steps ...Step) *MockProvider {
	return &MockProvider{steps: steps}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted step, cycling through the queue. The
// messages are recorded for later inspection.
func (m *MockProvider) Chat(_ context.Context, messages []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]provider.Message(nil), messages...))
	if len(m.steps) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	step := m.steps[m.idx%len(m.steps)]
	m.idx++
	if step.Err != nil {
		return nil, step.Err
	}
	return &provider.Response{
		Content:   step.Content,
		ToolCalls: step.ToolCalls,
		Usage:     provider.Usage{OutputTokens: len(step.Content)},
	}, nil
}

// Calls returns the message lists passed to Chat, in call order.
func (m *MockProvider) Calls() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]provider.Message, len(m.calls))
	copy(out, m.calls)
	return out
}
