package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tether/cmd/internal/statestore"
)

const tombstoneKeyPrefix = "tombstone:"

// ErrNoTombstone is returned by Get when the account has no live tombstone.
var ErrNoTombstone = errors.New("reconcile: no tombstone")

// Tombstone records that an account was deleted.
type Tombstone struct {
	AccountID string    `json:"account_id"`
	DeletedAt time.Time `json:"deleted_at"`
	EventID   string    `json:"event_id,omitempty"`
	ExpiresAt time.Time `json:"-"`
}

// TombstoneKey is the state-store key of an account's tombstone.
func TombstoneKey(accountID string) string {
	return tombstoneKeyPrefix + accountID
}

// Tombstones is the narrow, synchronous tombstone API.
type Tombstones struct {
	store statestore.Store
	ttl   time.Duration
}

// NewTombstones constructs Tombstones with the given TTL.
func NewTombstones(store statestore.Store, ttl time.Duration) (*Tombstones, error) {
	if store == nil {
		return nil, errors.New("reconcile: nil store")
	}
	if ttl <= 0 {
		return nil, ErrConfig
	}
	return &Tombstones{store: store, ttl: ttl}, nil
}

// TTL returns the tombstone lifetime.
func (t *Tombstones) TTL() time.Duration { return t.ttl }

// HasTombstone reports whether accountID has a live tombstone.
func (t *Tombstones) HasTombstone(ctx context.Context, accountID string) (bool, error) {
	_, err := t.store.Get(ctx, TombstoneKey(accountID))
	switch {
	case err == nil:
		return true, nil
	case statestore.IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("reconcile: read tombstone: %w", err)
	}
}

// Get returns the live tombstone for accountID.
func (t *Tombstones) Get(ctx context.Context, accountID string) (Tombstone, error) {
	e, err := t.store.Get(ctx, TombstoneKey(accountID))
	if statestore.IsNotFound(err) {
		return Tombstone{}, ErrNoTombstone
	}
	if err != nil {
		return Tombstone{}, fmt.Errorf("reconcile: read tombstone: %w", err)
	}
	return decodeTombstone(e)
}

// WriteTombstone writes or refreshes the tombstone. A refresh restarts the TTL
// and keeps the earliest deletion time.
func (t *Tombstones) WriteTombstone(ctx context.Context, accountID string, deletedAt time.Time, eventID string) (Tombstone, error) {
	if strings.TrimSpace(accountID) == "" {
		return Tombstone{}, errors.New("reconcile: empty account id")
	}

	ts := Tombstone{AccountID: accountID, DeletedAt: deletedAt.UTC(), EventID: eventID}
	if prev, err := t.Get(ctx, accountID); err == nil {
		if !prev.DeletedAt.IsZero() && prev.DeletedAt.Before(ts.DeletedAt) {
			ts.DeletedAt = prev.DeletedAt
		}
		if ts.EventID == "" {
			ts.EventID = prev.EventID
		}
	} else if !errors.Is(err, ErrNoTombstone) {
		return Tombstone{}, err
	}

	raw, err := json.Marshal(ts)
	if err != nil {
		return Tombstone{}, fmt.Errorf("reconcile: encode tombstone: %w", err)
	}
	e, err := t.store.Put(ctx, TombstoneKey(accountID), raw, t.ttl)
	if err != nil {
		return Tombstone{}, fmt.Errorf("reconcile: write tombstone: %w", err)
	}
	if e.ExpiresAt != nil {
		ts.ExpiresAt = *e.ExpiresAt
	}
	return ts, nil
}

// List pages through live tombstones in account-id order. It returns the
// cursor for the next page, or "" when done.
func (t *Tombstones) List(ctx context.Context, after string, limit int) ([]Tombstone, string, error) {
	cursor := ""
	if after != "" {
		cursor = TombstoneKey(after)
	}
	page, err := t.store.ScanPrefix(ctx, tombstoneKeyPrefix, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("reconcile: list tombstones: %w", err)
	}

	out := make([]Tombstone, 0, len(page))
	for _, e := range page {
		ts, err := decodeTombstone(e)
		if err != nil {
			return nil, "", err
		}
		out = append(out, ts)
	}

	next := ""
	if limit > 0 && len(page) == limit {
		next = out[len(out)-1].AccountID
	}
	return out, next, nil
}

func decodeTombstone(e statestore.Entry) (Tombstone, error) {
	var ts Tombstone
	if err := json.Unmarshal(e.Value, &ts); err != nil {
		return Tombstone{}, fmt.Errorf("reconcile: decode tombstone %s: %w", e.Key, err)
	}
	if ts.AccountID == "" {
		ts.AccountID = strings.TrimPrefix(e.Key, tombstoneKeyPrefix)
	}
	if e.ExpiresAt != nil {
		ts.ExpiresAt = *e.ExpiresAt
	}
	return ts, nil
}
