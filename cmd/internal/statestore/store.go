// Package statestore provides the key/value state store shared by Tether services.
//
// The contract is deliberately narrow: single-key atomic operations (including
// compare-and-swap) with optional per-key TTL, and ordered prefix scans.
// There are no multi-key transactions; callers that need cross-key consistency
// must build it from per-key operations.
package statestore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("statestore: key not found")

	// ErrVersionConflict is returned by CompareAndSwap when the stored version differs.
	ErrVersionConflict = errors.New("statestore: version conflict")

	// ErrUnavailable marks transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("statestore: unavailable")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("statestore: invalid key")
)

const (
	defaultScanLimit = 100
	maxScanLimit     = 1000
)

// Entry is a stored value with its version and optional expiry.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt *time.Time
}

// Store is the key/value contract.
//
// Requirements:
//   - Expired entries are invisible to every read and to PutIfAbsent.
//   - Version starts at 1 and increments on every successful write to a key.
//   - ttl <= 0 means the entry never expires.
//   - Delete is idempotent.
//   - ScanPrefix returns entries ordered by key, strictly after the "after" cursor.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error)
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, bool, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (Entry, error)
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix, after string, limit int) ([]Entry, error)
	Close() error
}

// Purger is implemented by stores that can physically drop expired entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err means the key is absent or expired.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func clampScanLimit(limit int) int {
	if limit <= 0 {
		return defaultScanLimit
	}
	if limit > maxScanLimit {
		return maxScanLimit
	}
	return limit
}

func expiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
