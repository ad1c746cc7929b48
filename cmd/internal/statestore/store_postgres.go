package statestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ Store  = (*PostgresStore)(nil)
	_ Purger = (*PostgresStore)(nil)
)

// PostgresStore is a Store backed by a single PostgreSQL table.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Expiry is evaluated against the database clock (now()), so all service
// instances agree on whether an entry is live.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tether").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("statestore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("statestore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tether",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("statestore: nil pool")
	}
	st.table = pgIdent(st.schema, "kv")
	return st, nil
}

// CreateTableSQL returns the DDL for the kv table in schema.
// The embedded migrations carry the same statement for the default schema.
func CreateTableSQL(schema string) string {
	t := pgIdent(schema, "kv")
	return `CREATE TABLE IF NOT EXISTS ` + t + ` (
	key        text COLLATE "C" PRIMARY KEY,
	value      bytea        NOT NULL,
	version    bigint       NOT NULL,
	expires_at timestamptz  NULL,
	updated_at timestamptz  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS kv_expires_at_idx ON ` + t + ` (expires_at) WHERE expires_at IS NOT NULL;`
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const liveClause = `(expires_at IS NULL OR expires_at > now())`

// expiresExpr computes expires_at from a seconds parameter; <= 0 means no expiry.
func expiresExpr(param string) string {
	return `CASE WHEN ` + param + `::float8 > 0 THEN now() + make_interval(secs => ` + param + `::float8) ELSE NULL END`
}

// Get returns the live entry for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}

	e := Entry{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT value, version, expires_at FROM `+s.table+` WHERE key = $1 AND `+liveClause,
		key,
	).Scan(&e.Value, &e.Version, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, classify(err)
	}
	return e, nil
}

// Put writes value unconditionally. The version restarts at 1 when the
// previous entry had already expired.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}

	e := Entry{Key: key, Value: append([]byte(nil), value...)}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO `+s.table+` AS kv (key, value, version, expires_at, updated_at)
		VALUES ($1, $2, 1, `+expiresExpr("$3")+`, now())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			version    = CASE WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= now() THEN 1 ELSE kv.version + 1 END,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		RETURNING version, expires_at
	`, key, value, ttl.Seconds()).Scan(&e.Version, &e.ExpiresAt)
	if err != nil {
		return Entry{}, classify(err)
	}
	return e, nil
}

// PutIfAbsent inserts value when no live entry exists (an expired row is replaced).
func (s *PostgresStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, ErrInvalidKey
	}

	// Two passes cover the window where the live row disappears between the
	// conflicting insert and the follow-up read.
	for range 2 {
		e := Entry{Key: key, Value: append([]byte(nil), value...)}
		err := s.pool.QueryRow(ctx, `
			INSERT INTO `+s.table+` AS kv (key, value, version, expires_at, updated_at)
			VALUES ($1, $2, 1, `+expiresExpr("$3")+`, now())
			ON CONFLICT (key) DO UPDATE SET
				value      = EXCLUDED.value,
				version    = 1,
				expires_at = EXCLUDED.expires_at,
				updated_at = now()
			WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= now()
			RETURNING version, expires_at
		`, key, value, ttl.Seconds()).Scan(&e.Version, &e.ExpiresAt)
		if err == nil {
			return e, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, classify(err)
		}

		existing, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		return existing, false, nil
	}
	return Entry{}, false, fmt.Errorf("%w: put-if-absent contention on %q", ErrUnavailable, key)
}

// CompareAndSwap replaces the value when the live version equals expectedVersion.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}

	e := Entry{Key: key, Value: append([]byte(nil), value...)}
	err := s.pool.QueryRow(ctx, `
		UPDATE `+s.table+` SET
			value      = $2,
			version    = version + 1,
			expires_at = `+expiresExpr("$4")+`,
			updated_at = now()
		WHERE key = $1 AND version = $3 AND `+liveClause+`
		RETURNING version, expires_at
	`, key, value, expectedVersion, ttl.Seconds()).Scan(&e.Version, &e.ExpiresAt)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, classify(err)
	}

	if _, err := s.Get(ctx, key); err != nil {
		return Entry{}, err
	}
	return Entry{}, ErrVersionConflict
}

// Delete removes key (idempotent).
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key); err != nil {
		return classify(err)
	}
	return nil
}

// ScanPrefix returns live entries with the given prefix ordered by key.
func (s *PostgresStore) ScanPrefix(ctx context.Context, prefix, after string, limit int) ([]Entry, error) {
	limit = clampScanLimit(limit)

	rows, err := s.pool.Query(ctx, `
		SELECT key, value, version, expires_at
		  FROM `+s.table+`
		 WHERE starts_with(key, $1) AND key > $2 AND `+liveClause+`
		 ORDER BY key
		 LIMIT $3
	`, prefix, after, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &e.ExpiresAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// PurgeExpired physically removes expired rows.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// classify tags connection-level failures as ErrUnavailable so callers can retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
