// Package v1 defines the Tether Realtime Protocol v1 contract.
//
// The gateway is push-only: clients authenticate at the WebSocket handshake and
// then receive server envelopes. Client frames are limited to "ping".
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "tether.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHelloAck confirms the authenticated connection (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeSessionInvalidated tells the client its session is no longer usable (server -> client).
	TypeSessionInvalidated = "session_invalidated"

	// TypePing is an application-level liveness probe (client -> server).
	TypePing = "ping"
	// TypePong answers TypePing (server -> client).
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHelloAck,
		TypeSessionInvalidated,
		TypePing,
		TypePong,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload carries the authenticated identity of the connection.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
}

// SessionInvalidatedPayload is pushed right before the server closes the connection.
type SessionInvalidatedPayload struct {
	SessionID     string    `json:"session_id"`
	Reason        string    `json:"reason"`
	InvalidatedAt time.Time `json:"invalidated_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
