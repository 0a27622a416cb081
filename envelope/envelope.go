// Package envelope defines the addressed, optionally signed message unit
// exchanged between agents.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type identifies the kind of envelope. It tags routing semantics only.
type Type string

const (
	TypeDirect    Type = "direct"    // point-to-point message
	TypeBroadcast Type = "broadcast" // fan-out announcement
	TypeResponse  Type = "response"  // reply to an earlier envelope
	TypeError     Type = "error"     // error report to the sender
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypeDirect, TypeBroadcast, TypeResponse, TypeError:
		return true
	}
	return false
}

// ParseType converts s to a Type. The empty string maps to TypeDirect.
func ParseType(s string) (Type, error) {
	if s == "" {
		return TypeDirect, nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown envelope type %q", s)
	}
	return t, nil
}

// Envelope is a single message in transit or at rest.
type Envelope struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Type          Type      `json:"type"`
	Payload       string    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Signature     string    `json:"signature,omitempty"`
}

// Options describes an envelope to create.
type Options struct {
	Sender        string
	Recipient     string
	Payload       string
	Type          Type
	CorrelationID string
	ReplyTo       string
	// Secret signs the envelope when non-empty.
	Secret string
}

// New creates an envelope with a fresh id and the current time. A signing
// failure leaves the envelope unsigned; it never prevents creation.
func New(opts Options) *Envelope {
	typ := opts.Type
	if typ == "" {
		typ = TypeDirect
	}
	env := &Envelope{
		ID:            uuid.NewString(),
		Sender:        opts.Sender,
		Recipient:     opts.Recipient,
		Type:          typ,
		Payload:       opts.Payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
	}
	if opts.Secret != "" {
		_ = env.Sign(opts.Secret)
	}
	return env
}

// Reply builds a response envelope addressed back to e's sender.
func (e *Envelope) Reply(payload, secret string) *Envelope {
	corr := e.CorrelationID
	if corr == "" {
		corr = e.ID
	}
	return New(Options{
		Sender:        e.Recipient,
		Recipient:     e.Sender,
		Payload:       payload,
		Type:          TypeResponse,
		CorrelationID: corr,
		ReplyTo:       e.ID,
		Secret:        secret,
	})
}

type signedClaims struct {
	MessageID string `json:"message_id"`
	Payload   string `json:"payload"`
	jwt.RegisteredClaims
}

// Sign computes an HS256 token binding the envelope id and payload and
// stores it in Signature.
func (e *Envelope) Sign(secret string) error {
	if secret == "" {
		return errors.New("envelope: empty signing secret")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, signedClaims{
		MessageID: e.ID,
		Payload:   e.Payload,
	})
	sig, err := tok.SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign envelope %s: %w", e.ID, err)
	}
	e.Signature = sig
	return nil
}

// Verify reports whether the signature was produced with secret over the
// envelope's current id and payload. It returns false when unsigned.
func (e *Envelope) Verify(secret string) bool {
	if e.Signature == "" || secret == "" {
		return false
	}
	var claims signedClaims
	_, err := jwt.ParseWithClaims(e.Signature, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return false
	}
	return claims.MessageID == e.ID && claims.Payload == e.Payload
}

// String returns a compact form for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s->%s (%s)", e.ID, e.Sender, e.Recipient, e.Type)
}
