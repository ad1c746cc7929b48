package statestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when TETHER_DATABASE_URL is set.

func TestPostgresStore_CRUD(t *testing.T) {
	t.Parallel()

	store, _ := mustPostgresStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound got=%v", err)
	}

	e1, err := store.Put(ctx, "k", []byte("a"), 0)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if e1.Version != 1 || e1.ExpiresAt != nil {
		t.Fatalf("put: unexpected entry version=%d expires=%v", e1.Version, e1.ExpiresAt)
	}

	e2, err := store.Put(ctx, "k", []byte("b"), time.Hour)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if e2.Version != 2 || e2.ExpiresAt == nil {
		t.Fatalf("put: unexpected entry version=%d expires=%v", e2.Version, e2.ExpiresAt)
	}

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != "b" {
		t.Fatalf("get: expected b got=%q", got.Value)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete again: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted: expected ErrNotFound got=%v", err)
	}
}

func TestPostgresStore_PutIfAbsent_And_CAS(t *testing.T) {
	t.Parallel()

	store, _ := mustPostgresStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, created, err := store.PutIfAbsent(ctx, "k", []byte("a"), 0)
	if err != nil || !created {
		t.Fatalf("put-if-absent first: created=%v err=%v", created, err)
	}

	existing, created, err := store.PutIfAbsent(ctx, "k", []byte("b"), 0)
	if err != nil {
		t.Fatalf("put-if-absent second: %v", err)
	}
	if created || string(existing.Value) != "a" {
		t.Fatalf("put-if-absent second: expected existing a, got created=%v value=%q", created, existing.Value)
	}

	if _, err := store.CompareAndSwap(ctx, "k", first.Version+5, []byte("x"), 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("cas stale: expected ErrVersionConflict got=%v", err)
	}
	if _, err := store.CompareAndSwap(ctx, "nope", 1, []byte("x"), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cas missing: expected ErrNotFound got=%v", err)
	}

	next, err := store.CompareAndSwap(ctx, "k", first.Version, []byte("c"), 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if next.Version != first.Version+1 {
		t.Fatalf("cas: expected version=%d got=%d", first.Version+1, next.Version)
	}
}

func TestPostgresStore_ExpiredRowsAreInvisible(t *testing.T) {
	t.Parallel()

	store, pool := mustPostgresStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := store.Put(ctx, "gone", []byte("a"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Force expiry without sleeping.
	if _, err := pool.Exec(ctx,
		`UPDATE `+store.table+` SET expires_at = now() - interval '1 second' WHERE key = $1`, "gone",
	); err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	if _, err := store.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get expired: expected ErrNotFound got=%v", err)
	}

	e, created, err := store.PutIfAbsent(ctx, "gone", []byte("b"), 0)
	if err != nil {
		t.Fatalf("put-if-absent over expired: %v", err)
	}
	if !created || e.Version != 1 {
		t.Fatalf("put-if-absent over expired: created=%v version=%d", created, e.Version)
	}

	if _, err := store.Put(ctx, "stale", []byte("a"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`UPDATE `+store.table+` SET expires_at = now() - interval '1 second' WHERE key = $1`, "stale",
	); err != nil {
		t.Fatalf("force expiry: %v", err)
	}
	n, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purge: expected 1 got=%d", n)
	}
}

func TestPostgresStore_ScanPrefix(t *testing.T) {
	t.Parallel()

	store, _ := mustPostgresStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, k := range []string{"index:a:3", "index:a:1", "index:a:2", "index:ab:1", "session:1"} {
		if _, err := store.Put(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	page, err := store.ScanPrefix(ctx, "index:a:", "", 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := strings.Join(keysOf(page), ","); got != "index:a:1,index:a:2" {
		t.Fatalf("scan page 1: got=%s", got)
	}

	page, err = store.ScanPrefix(ctx, "index:a:", "index:a:2", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := strings.Join(keysOf(page), ","); got != "index:a:3" {
		t.Fatalf("scan page 2: got=%s", got)
	}
}

func TestWithSchema_RejectsInvalidIdentifier(t *testing.T) {
	t.Parallel()

	st := &PostgresStore{}
	if err := WithSchema("bad-schema;drop")(st); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
	if err := WithSchema("  ")(st); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if err := WithSchema("tether_it")(st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---- helpers ----

func mustPostgresStore(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "tether_it_" + randomHex(t, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	if _, err := pool.Exec(ctx, CreateTableSQL(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, pool
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TETHER_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TETHER_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TETHER_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func randomHex(t *testing.T, n int) string {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}
