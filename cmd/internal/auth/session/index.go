package session

import (
	"context"
	"strings"
	"time"

	"tether/cmd/internal/statestore"
)

const (
	indexKeyPrefix = "index:"
	indexPageSize  = 200
)

// marker is the presence-only value of a membership entry.
var marker = []byte{'1'}

// Member is one (account, session) membership entry.
type Member struct {
	AccountID string
	SessionID string
}

// Index is the account → sessions membership index.
//
// Each membership is its own key, so Add and Remove for different sessions of
// the same account commute. Nothing else in this package enumerates sessions.
type Index struct {
	store statestore.Store
}

// NewIndex constructs an Index over store.
func NewIndex(store statestore.Store) *Index {
	return &Index{store: store}
}

// IndexKey is the state-store key of one membership entry.
func IndexKey(accountID, sessionID string) string {
	return indexKeyPrefix + accountID + ":" + sessionID
}

func accountIndexPrefix(accountID string) string {
	return indexKeyPrefix + accountID + ":"
}

// Add writes the membership entry. ttl should match the session record's.
func (x *Index) Add(ctx context.Context, accountID, sessionID string, ttl time.Duration) error {
	_, err := x.store.Put(ctx, IndexKey(accountID, sessionID), marker, ttl)
	return err
}

// Remove deletes the membership entry (idempotent).
func (x *Index) Remove(ctx context.Context, accountID, sessionID string) error {
	return x.store.Delete(ctx, IndexKey(accountID, sessionID))
}

// Has reports whether the membership entry exists.
func (x *Index) Has(ctx context.Context, accountID, sessionID string) (bool, error) {
	_, err := x.store.Get(ctx, IndexKey(accountID, sessionID))
	switch {
	case err == nil:
		return true, nil
	case statestore.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Sessions returns every session id indexed under accountID, in key order.
func (x *Index) Sessions(ctx context.Context, accountID string) ([]string, error) {
	prefix := accountIndexPrefix(accountID)

	var out []string
	after := ""
	for {
		page, err := x.store.ScanPrefix(ctx, prefix, after, indexPageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			out = append(out, strings.TrimPrefix(e.Key, prefix))
		}
		if len(page) < indexPageSize {
			return out, nil
		}
		after = page[len(page)-1].Key
	}
}

// Scan pages through every membership entry of every account.
// It returns the cursor for the next call, or "" when done.
func (x *Index) Scan(ctx context.Context, after string, limit int) ([]Member, string, error) {
	if limit <= 0 {
		limit = indexPageSize
	}
	page, err := x.store.ScanPrefix(ctx, indexKeyPrefix, after, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]Member, 0, len(page))
	for _, e := range page {
		m, ok := parseIndexKey(e.Key)
		if !ok {
			continue
		}
		out = append(out, m)
	}

	next := ""
	if len(page) == limit {
		next = page[len(page)-1].Key
	}
	return out, next, nil
}

func parseIndexKey(key string) (Member, bool) {
	rest, ok := strings.CutPrefix(key, indexKeyPrefix)
	if !ok {
		return Member{}, false
	}
	acct, sid, ok := strings.Cut(rest, ":")
	if !ok || acct == "" || sid == "" {
		return Member{}, false
	}
	return Member{AccountID: acct, SessionID: sid}, true
}
