package policy

import (
	"strings"
	"unicode/utf8"

	"github.com/GoCodeAlone/courier/envelope"
)

const (
	reasonTooSimilar = "Your message is too similar to your previous message. Please provide new information or a different approach."
	reasonPingPong   = "It seems you're in a repetitive conversation pattern. Try a different approach or provide new information."
	reasonTooShort   = "Your message is too short. Please provide more information."
	reasonTooLong    = "Your message is too long. Please be more concise."
)

// AntiLoopConfig holds thresholds for the anti-loop heuristic.
type AntiLoopConfig struct {
	// MinHistory is how many prior messages between the pair must exist
	// before the check applies. Default: 4.
	MinHistory int
	// RepeatThreshold is the similarity above which a message repeats the
	// sender's previous one. Default: 0.8.
	RepeatThreshold float64
	// PingPongThreshold is the similarity both alternating halves must
	// exceed to count as ping-pong. Default: 0.7.
	PingPongThreshold float64
	// MaxRunes caps how much of each payload is compared. Default: 4000.
	MaxRunes int
}

// AntiLoop returns a heuristic rejecting repetitive exchanges. It flags an
// A->B->A->B tail whose alternating messages are near-identical, and a
// message that near-duplicates the sender's previous one.
func AntiLoop(cfg AntiLoopConfig) Heuristic {
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = 4
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = 0.8
	}
	if cfg.PingPongThreshold <= 0 {
		cfg.PingPongThreshold = 0.7
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = 4000
	}
	similar := func(a, b string, threshold float64) bool {
		return exceeds(clip(a, cfg.MaxRunes), clip(b, cfg.MaxRunes), threshold)
	}
	return func(env *envelope.Envelope, pc Context) (bool, string) {
		hist := pc.History
		if len(hist) < cfg.MinHistory {
			return true, ""
		}

		if len(hist) >= 4 {
			tail := hist[len(hist)-4:]
			if tail[0].Sender == env.Sender && tail[1].Sender == env.Recipient &&
				tail[2].Sender == env.Sender && tail[3].Sender == env.Recipient &&
				similar(tail[0].Payload, tail[2].Payload, cfg.PingPongThreshold) &&
				similar(tail[1].Payload, tail[3].Payload, cfg.PingPongThreshold) {
				return false, reasonPingPong
			}
		}

		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].Sender != env.Sender {
				continue
			}
			if similar(env.Payload, hist[i].Payload, cfg.RepeatThreshold) {
				return false, reasonTooSimilar
			}
			break
		}
		return true, ""
	}
}

func clip(s string, n int) []rune {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return r
}

// MessageLength returns a heuristic bounding payload length in runes. The
// lower bound ignores surrounding whitespace.
func MessageLength(minLen, maxLen int) Heuristic {
	return func(env *envelope.Envelope, _ Context) (bool, string) {
		if utf8.RuneCountInString(strings.TrimSpace(env.Payload)) < minLen {
			return false, reasonTooShort
		}
		if maxLen > 0 && utf8.RuneCountInString(env.Payload) > maxLen {
			return false, reasonTooLong
		}
		return true, ""
	}
}

// ForbidKeywords returns a policy rejecting payloads that contain any of
// words, compared case-insensitively.
func ForbidKeywords(name string, priority int, words ...string) Policy {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	check := func(env *envelope.Envelope, _ Context) (bool, string) {
		payload := strings.ToLower(env.Payload)
		for _, w := range lowered {
			if strings.Contains(payload, w) {
				return false, "Message contains forbidden keyword: " + w
			}
		}
		return true, ""
	}
	return NewHeuristic(name, "Rejects messages containing forbidden keywords", priority, check)
}

// Defaults returns the built-in policy set.
func Defaults() []Policy {
	return []Policy{
		NewHeuristic("anti_loop",
			"Prevents agents from falling into repetitive conversation patterns",
			90, AntiLoop(AntiLoopConfig{})),
		NewHeuristic("message_length",
			"Ensures messages aren't too long or too short",
			50, MessageLength(10, 4000)),
		NewJudged("relevance",
			"Ensures messages are relevant to the task or topic",
			70,
			"The message must be relevant to the current task or topic of conversation. "+
				"It should not introduce completely unrelated topics without clear justification."),
		NewJudged("toxicity",
			"Prevents harmful or inappropriate content",
			HardStopPriority,
			"The message must not contain harmful, offensive, or inappropriate content. "+
				"This includes but is not limited to: hate speech, personal attacks, explicit content, "+
				"or anything that could be considered harmful to individuals or groups."),
	}
}
