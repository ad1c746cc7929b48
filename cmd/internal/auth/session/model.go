package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a session. Invalidated and Expired are terminal.
type State string

const (
	StateActive      State = "active"
	StateInvalidated State = "invalidated"
	StateExpired     State = "expired"
)

// Session is the stored session record.
type Session struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	CredentialHash string     `json:"credential_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	State          State      `json:"state"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Terminal reports whether the session can no longer change state.
func (s Session) Terminal() bool {
	return s.State == StateInvalidated || s.State == StateExpired
}

// ActiveAt reports whether the session is usable at now (ignoring tombstones).
func (s Session) ActiveAt(now time.Time) bool {
	return s.State == StateActive && now.Before(s.ExpiresAt)
}

const sessionKeyPrefix = "session:"

// SessionKey is the state-store key of a session record.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func encodeSession(s Session) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s: %w", s.ID, err)
	}
	return b, nil
}

func decodeSession(raw []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("session: decode record: %w", err)
	}
	return s, nil
}

// validID accepts identifiers usable inside colon-delimited keys.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, ": \t\r\n")
}
