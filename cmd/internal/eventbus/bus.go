// Package eventbus carries typed event envelopes between Tether services.
//
// Delivery is at-least-once: a handler that returns an error leaves the
// envelope unacknowledged and it is delivered again with Attempt+1. Ordering is
// only guaranteed per key (account id) on a single partition; consumers must be
// idempotent on Envelope.ID.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Publish/Subscribe after Close.
	ErrClosed = errors.New("eventbus: closed")

	// ErrInvalidEnvelope is returned for structurally invalid envelopes.
	ErrInvalidEnvelope = errors.New("eventbus: invalid envelope")
)

// Envelope is the unit of delivery.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Key         string          `json:"key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`

	// Attempt is the delivery attempt, starting at 1. Set by the bus.
	Attempt int `json:"attempt,omitempty"`
}

// Validate performs structural validation.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", ErrInvalidEnvelope, e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a random (v4) id.
func NewEnvelope(eventType, key string, payload any) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, key, payload)
}

// NewEnvelopeWithID builds an envelope with a caller-chosen id.
// Use it for logically-unique events whose retries must keep the same id.
func NewEnvelopeWithID(id, eventType, key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		ID:          id,
		Type:        eventType,
		Key:         key,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicID derives a stable event id from a namespace-scoped name
// (uuid v5), e.g. DeterministicID("account.deleted", accountID).
func DeterministicID(eventType, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventType+"/"+name)).String()
}

// Handler processes one envelope. Returning nil acknowledges it.
type Handler func(ctx context.Context, env Envelope) error

// Publisher publishes envelopes onto a topic (the envelope type is the topic).
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Subscriber consumes a topic as a member of a consumer group.
// Subscribe blocks until ctx is done or the bus is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Bus is both a Publisher and a Subscriber.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
