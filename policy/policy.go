// Package policy evaluates candidate envelopes against a priority-ordered
// chain of rules before they are queued for delivery.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoCodeAlone/courier/envelope"
)

// Kind distinguishes deterministic rules from rules judged by a model.
type Kind string

const (
	KindHeuristic Kind = "heuristic"
	KindJudged    Kind = "judged"
)

// HardStopPriority is the priority at or above which a failing policy ends
// evaluation immediately.
const HardStopPriority = 100

// ErrNoJudge is returned when a judged policy runs without a Judge.
var ErrNoJudge = errors.New("policy: no judge configured")

// Context carries what a policy may consult besides the envelope itself.
type Context struct {
	// History is the recent exchange between sender and recipient, oldest first.
	History []*envelope.Envelope
	// Extra is caller-supplied context. It is passed to judged policies
	// verbatim and must be JSON-serializable.
	Extra map[string]any
}

// Check is the evaluable content of a policy: either a Heuristic or a Judged rule.
type Check interface {
	Kind() Kind
	check(ctx context.Context, j Judge, env *envelope.Envelope, pc Context) (passed bool, reason string, err error)
}

// Heuristic is a deterministic predicate. It returns false with a reason
// when the envelope violates the rule.
type Heuristic func(env *envelope.Envelope, pc Context) (passed bool, reason string)

func (Heuristic) Kind() Kind { return KindHeuristic }

func (h Heuristic) check(_ context.Context, _ Judge, env *envelope.Envelope, pc Context) (bool, string, error) {
	ok, reason := h(env, pc)
	return ok, reason, nil
}

// Judged is a natural-language rule evaluated by a Judge.
type Judged string

func (Judged) Kind() Kind { return KindJudged }

func (r Judged) check(ctx context.Context, j Judge, env *envelope.Envelope, pc Context) (bool, string, error) {
	if j == nil {
		return false, "", ErrNoJudge
	}
	prompt, err := BuildPrompt(string(r), env, pc)
	if err != nil {
		return false, "", err
	}
	reply, err := j.Judge(ctx, prompt)
	if err != nil {
		return false, "", err
	}
	ok, reason := ParseVerdict(reply)
	return ok, reason, nil
}

// Policy is a named rule a message must satisfy before delivery.
type Policy struct {
	Name        string
	Description string
	Priority    int
	Enabled     bool
	Check       Check
}

// NewHeuristic returns an enabled policy backed by fn.
func NewHeuristic(name, description string, priority int, fn Heuristic) Policy {
	return Policy{Name: name, Description: description, Priority: priority, Enabled: true, Check: fn}
}

// NewJudged returns an enabled policy backed by a natural-language rule.
func NewJudged(name, description string, priority int, rule string) Policy {
	return Policy{Name: name, Description: description, Priority: priority, Enabled: true, Check: Judged(rule)}
}

// Kind reports the kind of the policy's check.
func (p Policy) Kind() Kind {
	if p.Check == nil {
		return ""
	}
	return p.Check.Kind()
}

// MarshalJSON renders the policy for listing. Heuristic predicates have no
// serializable form, so only judged rules carry their text.
func (p Policy) MarshalJSON() ([]byte, error) {
	out := struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Kind        Kind   `json:"kind"`
		Priority    int    `json:"priority"`
		Enabled     bool   `json:"enabled"`
		Rule        string `json:"rule,omitempty"`
	}{
		Name:        p.Name,
		Description: p.Description,
		Kind:        p.Kind(),
		Priority:    p.Priority,
		Enabled:     p.Enabled,
	}
	if r, ok := p.Check.(Judged); ok {
		out.Rule = string(r)
	}
	return json.Marshal(out)
}

// Violation records one policy rejecting one envelope.
type Violation struct {
	Policy    string    `json:"policy_name"`
	Reason    string    `json:"reason"`
	MessageID string    `json:"message_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
