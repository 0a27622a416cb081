package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/provider"
)

const (
	toolChatWithAgent = "chat_with_agent"
	toolContactHuman  = "contact_human"

	humanNotified = "Message sent to human."
)

type envelopeKey struct{}

func withEnvelope(ctx context.Context, env *envelope.Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

func envelopeFrom(ctx context.Context) *envelope.Envelope {
	env, _ := ctx.Value(envelopeKey{}).(*envelope.Envelope)
	return env
}

// chatTool queues a question for another agent through the broker.
type chatTool struct{ a *Agent }

func (chatTool) Name() string { return toolChatWithAgent }

func (chatTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        toolChatWithAgent,
		Description: "Send a question to another agent. The answer arrives later as a pending message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_type": map[string]any{"type": "string", "description": "Name of the agent to contact."},
				"question":   map[string]any{"type": "string", "description": "The question or request to send."},
			},
			"required": []string{"agent_type", "question"},
		},
	}
}

func (t chatTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	target, err := stringArg(args, "agent_type")
	if err != nil {
		return "", err
	}
	question, err := stringArg(args, "question")
	if err != nil {
		return "", err
	}
	a := t.a
	if !slices.Contains(a.contactable(), target) {
		return fmt.Sprintf("Agent %s is not in your contact list.", target), nil
	}

	req := broker.SendRequest{Sender: a.name, Recipient: target, Payload: question}
	var key string
	if env := envelopeFrom(ctx); env != nil {
		req.CorrelationID = env.ID
		key = env.ID + "\x00" + target + "\x00" + question
		if done, ok := a.sent.Get(key); ok {
			return done.(string), nil
		}
	}

	if !a.dir.IsActive(target) {
		if err := a.dir.Activate(ctx, target); err != nil {
			return err.Error(), nil
		}
	}

	if _, err := a.broker.Send(ctx, req); err != nil {
		var pv *broker.PolicyViolationError
		if errors.As(err, &pv) {
			return rejection(pv), nil
		}
		return err.Error(), nil
	}
	result := fmt.Sprintf("I have put the question '%s' in the queue for the agent of type %s. You will hear back soon.", question, target)
	if key != "" {
		a.sent.Add(key, result)
	}
	return result, nil
}

func rejection(pv *broker.PolicyViolationError) string {
	var b strings.Builder
	b.WriteString("Your message was not sent because it violates the following policies:")
	for _, v := range pv.Violations {
		fmt.Fprintf(&b, "\n- %s: %s", v.Policy, v.Reason)
	}
	b.WriteString("\nRevise the message and try again.")
	return b.String()
}

// humanTool pushes a message to whoever is watching the agent.
type humanTool struct{ a *Agent }

func (humanTool) Name() string { return toolContactHuman }

func (humanTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        toolContactHuman,
		Description: "Send a message to the human operator watching this agent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string", "description": "Text to show the human."},
			},
			"required": []string{"message"},
		},
	}
}

func (t humanTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	msg, err := stringArg(args, "message")
	if err != nil {
		return "", err
	}
	a := t.a
	if a.notifier == nil || !a.humanConnected() {
		return "No human is connected right now; the message was not delivered.", nil
	}
	if err := a.notifier.Notify(ctx, a.name, msg); err != nil {
		return "", fmt.Errorf("notify human: %w", err)
	}
	return humanNotified, nil
}
