package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func openaiServer(t *testing.T, handle func(req map[string]any) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q, want suffix /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completion(message map[string]any) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   defaultOpenAIModel,
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := openaiServer(t, func(req map[string]any) any {
		if req["model"] != defaultOpenAIModel {
			t.Errorf("model = %v, want %s", req["model"], defaultOpenAIModel)
		}
		msgs, _ := req["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("messages = %d, want 2", len(msgs))
		}
		if role := msgs[0].(map[string]any)["role"]; role != "system" {
			t.Errorf("first role = %v, want system", role)
		}
		return completion(map[string]any{"role": "assistant", "content": "Hi there"})
	})

	p := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are helpful."},
		{Role: RoleUser, Content: "Hello"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("content = %q, want %q", resp.Content, "Hi there")
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 12/5", resp.Usage)
	}
}

func TestOpenAIChatWithTools(t *testing.T) {
	srv := openaiServer(t, func(req map[string]any) any {
		tools, _ := req["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools = %d, want 1", len(tools))
		}
		return completion(map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []any{map[string]any{
				"id":       "call_1",
				"type":     "function",
				"function": map[string]any{"name": "contact_human", "arguments": `{"message":"need approval"}`},
			}},
		})
	})

	p := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "ask a human"}},
		[]ToolDef{{Name: "contact_human", Description: "notify a human", Parameters: map[string]any{"type": "object"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	if got := resp.ToolCalls[0].Arguments["message"]; got != "need approval" {
		t.Errorf("message argument = %v, want %q", got, "need approval")
	}
}

func TestOpenAIChatToolResult(t *testing.T) {
	srv := openaiServer(t, func(req map[string]any) any {
		msgs, _ := req["messages"].([]any)
		if len(msgs) != 3 {
			t.Fatalf("messages = %d, want 3", len(msgs))
		}
		tool := msgs[2].(map[string]any)
		if tool["role"] != "tool" || tool["tool_call_id"] != "call_1" {
			t.Errorf("tool message = %v", tool)
		}
		return completion(map[string]any{"role": "assistant", "content": "sent"})
	})

	p := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	_, err := p.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "ask a human"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "contact_human", Arguments: map[string]any{"message": "hi"}}}},
		{Role: RoleTool, ToolCallID: "call_1", Content: "Message sent to human."},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestOpenAIChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		typ     string
		want    string
		wantErr bool
	}{
		{typ: "anthropic", want: "anthropic"},
		{typ: "OpenAI", want: "openai"},
		{typ: "", wantErr: true},
		{typ: "copilot", wantErr: true},
	}
	for _, tt := range tests {
		p, err := New(Config{Type: tt.typ, APIKey: "k"})
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) expected error", tt.typ)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q): %v", tt.typ, err)
		}
		if p.Name() != tt.want {
			t.Errorf("New(%q).Name() = %q, want %q", tt.typ, p.Name(), tt.want)
		}
	}
}

type echoProvider struct{ got []Message }

func (e *echoProvider) Name() string { return "echo" }
func (e *echoProvider) Chat(_ context.Context, msgs []Message, _ []ToolDef) (*Response, error) {
	e.got = msgs
	return &Response{Content: "COMPLIANCE: YES"}, nil
}

func TestJudgeSendsSingleUserTurn(t *testing.T) {
	e := &echoProvider{}
	out, err := Judge{Provider: e}.Judge(context.Background(), "POLICY: be nice")
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if out != "COMPLIANCE: YES" {
		t.Errorf("Judge() = %q", out)
	}
	if len(e.got) != 1 || e.got[0].Role != RoleUser || e.got[0].Content != "POLICY: be nice" {
		t.Errorf("messages = %+v, want one user turn", e.got)
	}
}
