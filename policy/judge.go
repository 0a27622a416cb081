package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/courier/envelope"
)

// Judge answers a compliance prompt with free text.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, prompt string) (string, error)

func (f JudgeFunc) Judge(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

const defaultViolationReason = "Message violates policy"

var reasonPattern = regexp.MustCompile(`(?i)REASON:\s*([^\n]*)`)

type historyEntry struct {
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Payload     string `json:"payload"`
	MessageType string `json:"message_type"`
	MessageID   string `json:"message_id"`
}

// BuildPrompt renders the compliance question for a judged rule.
func BuildPrompt(rule string, env *envelope.Envelope, pc Context) (string, error) {
	ctxData := make(map[string]any, len(pc.Extra)+1)
	for k, v := range pc.Extra {
		ctxData[k] = v
	}
	if len(pc.History) > 0 {
		hist := make([]historyEntry, 0, len(pc.History))
		for _, h := range pc.History {
			hist = append(hist, historyEntry{
				Sender:      h.Sender,
				Recipient:   h.Recipient,
				Payload:     h.Payload,
				MessageType: string(h.Type),
				MessageID:   h.ID,
			})
		}
		ctxData["conversation_history"] = hist
	}
	ctxJSON, err := json.MarshalIndent(ctxData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode policy context: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are evaluating if a message complies with a policy.\n\n")
	fmt.Fprintf(&b, "POLICY: %s\n\n", rule)
	fmt.Fprintf(&b, "MESSAGE FROM: %s\n", env.Sender)
	fmt.Fprintf(&b, "MESSAGE TO: %s\n", env.Recipient)
	fmt.Fprintf(&b, "MESSAGE CONTENT: %s\n\n", env.Payload)
	fmt.Fprintf(&b, "CONTEXT: %s\n\n", ctxJSON)
	b.WriteString("Does this message comply with the policy? Answer with YES or NO, followed by your reasoning.\n")
	b.WriteString("Be strict in your evaluation. If there's any doubt, the message should not comply.\n\n")
	b.WriteString("Format your response exactly as:\n")
	b.WriteString("COMPLIANCE: YES/NO\n")
	b.WriteString("REASON: Your detailed reasoning here\n")
	return b.String(), nil
}

// ParseVerdict interprets a judge reply. The strict COMPLIANCE marker wins;
// otherwise a reply starting with "yes" passes and anything else fails with
// the text after the first line as the reason.
func ParseVerdict(reply string) (passed bool, reason string) {
	upper := strings.ToUpper(reply)
	switch {
	case strings.Contains(upper, "COMPLIANCE: YES"):
		return true, ""
	case strings.Contains(upper, "COMPLIANCE: NO"):
		if m := reasonPattern.FindStringSubmatch(reply); m != nil {
			if r := strings.TrimSpace(m[1]); r != "" {
				return false, r
			}
		}
		return false, defaultViolationReason
	}

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "yes") {
		return true, ""
	}
	lines := strings.Split(reply, "\n")
	reason = strings.TrimSpace(strings.Join(lines[1:], " "))
	if reason == "" {
		reason = defaultViolationReason
	}
	return false, reason
}
