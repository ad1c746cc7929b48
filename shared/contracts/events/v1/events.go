// Package v1 defines the Tether event contract v1.
//
// These are the payloads carried on the event bus between the account registry,
// the session registry and the realtime gateway. Field names are wire-stable.
package v1

import (
	"errors"
	"strings"
	"time"
)

// Topic / event type constants (wire-stable).
const (
	// TypeAccountDeleted is published by the account registry once an account is deleted.
	TypeAccountDeleted = "account.deleted"
	// TypeSessionInvalidated is published by the session registry per invalidated session.
	TypeSessionInvalidated = "session.invalidated"
)

// Invalidation reasons carried on session.invalidated.
const (
	ReasonAccountDeleted      = "account_deleted"
	ReasonAccountDeletedSweep = "account_deleted_sweep"
	ReasonLogout              = "logout"
	ReasonAccountGoneOnCreate = "account_gone_on_create"
	ReasonExpired             = "expired"
)

// AccountDeleted is the account.deleted payload.
type AccountDeleted struct {
	EventID   string    `json:"eventId"`
	AccountID string    `json:"accountId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Validate performs structural validation.
func (e AccountDeleted) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("missing field: eventId")
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return errors.New("missing field: accountId")
	}
	if e.DeletedAt.IsZero() {
		return errors.New("missing field: deletedAt")
	}
	return nil
}

// SessionInvalidated is the session.invalidated payload.
type SessionInvalidated struct {
	EventID       string    `json:"eventId"`
	SessionID     string    `json:"sessionId"`
	AccountID     string    `json:"accountId"`
	Reason        string    `json:"reason"`
	InvalidatedAt time.Time `json:"invalidatedAt"`
}

// Validate performs structural validation.
func (e SessionInvalidated) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("missing field: eventId")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("missing field: sessionId")
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return errors.New("missing field: accountId")
	}
	if e.InvalidatedAt.IsZero() {
		return errors.New("missing field: invalidatedAt")
	}
	return nil
}
