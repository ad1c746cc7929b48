package statestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	_ Store  = (*MemoryStore)(nil)
	_ Purger = (*MemoryStore)(nil)
)

// MemoryStore is an in-process Store used in dev mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for TTL evaluation.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// live returns the entry for key if present and not expired. Caller holds mu.
// Expired entries stay in the map until PurgeExpired or an overwrite.
func (s *MemoryStore) live(key string, now time.Time) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return Entry{}, false
	}
	return e, true
}

// Get returns the live entry for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key, s.now())
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

// Put writes value unconditionally.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev, _ := s.live(key, now)
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   prev.Version + 1,
		ExpiresAt: expiryFor(now, ttl),
	}
	s.entries[key] = e
	return cloneEntry(e), nil
}

// PutIfAbsent writes value only when no live entry exists.
// It returns the stored entry and whether this call created it.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.live(key, now); ok {
		return cloneEntry(existing), false, nil
	}
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   1,
		ExpiresAt: expiryFor(now, ttl),
	}
	s.entries[key] = e
	return cloneEntry(e), true, nil
}

// CompareAndSwap replaces the value when the live version equals expectedVersion.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.live(key, now)
	if !ok {
		return Entry{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Entry{}, ErrVersionConflict
	}
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   cur.Version + 1,
		ExpiresAt: expiryFor(now, ttl),
	}
	s.entries[key] = e
	return cloneEntry(e), nil
}

// Delete removes key (idempotent).
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// ScanPrefix returns live entries with the given prefix ordered by key.
func (s *MemoryStore) ScanPrefix(ctx context.Context, prefix, after string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampScanLimit(limit)

	s.mu.Lock()
	now := s.now()
	keys := make([]string, 0, 16)
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) || k <= after {
			continue
		}
		if _, ok := s.live(k, now); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneEntry(s.entries[k]))
	}
	s.mu.Unlock()

	return out, nil
}

// PurgeExpired drops expired entries and returns how many were removed.
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k := range s.entries {
		if _, ok := s.live(k, now); ok {
			n++
		}
	}
	return n
}

func cloneEntry(e Entry) Entry {
	out := e
	out.Value = append([]byte(nil), e.Value...)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
