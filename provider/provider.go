// Package provider defines the AI provider interface for agent backends.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns that invoked tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool results
}

// ToolDef describes a tool the agent can invoke.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall is a request from the AI to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is a completed provider response.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider is an AI backend that powers agent reasoning.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai", "mock").
	Name() string

	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)
}

// Config selects and configures a provider.
type Config struct {
	Type      string `yaml:"type"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// New builds the provider named by cfg.Type. An empty API key lets the SDK
// fall back to its own environment variable.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "":
		return nil, fmt.Errorf("provider type is required")
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Judge adapts a Provider to policy.Judge. Each prompt is sent as a single
// user turn and the reply text is returned.
type Judge struct {
	Provider Provider
}

func (j Judge) Judge(ctx context.Context, prompt string) (string, error) {
	resp, err := j.Provider.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, nil)
	if err != nil {
		return "", fmt.Errorf("judge via %s: %w", j.Provider.Name(), err)
	}
	return resp.Content, nil
}
