package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines all runtime configuration for the session registry.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// SessionTTL is the lifetime of a session from creation.
	SessionTTL time.Duration

	// GracePeriod is how long invalidated/expired records stay readable before
	// the store destroys them.
	GracePeriod time.Duration

	// IndexWriteAttempts bounds retries of the index membership write in CreateSession.
	IndexWriteAttempts int
	IndexWriteBackoff  time.Duration

	// InvalidateConcurrency bounds parallel invalidations inside InvalidateAllForAccount.
	InvalidateConcurrency int

	// AccessTokenTTL defines the lifetime of PASETO access tokens.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// PASETO v4.public access tokens. Empty means the caller must provide one.
	PasetoV4SecretKeyHex string

	// RequireTokenHMAC forces HMAC hashing of credential references.
	RequireTokenHMAC bool
}

// DefaultConfig returns a configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:                "tether",
		SessionTTL:            24 * time.Hour,
		GracePeriod:           10 * time.Minute,
		IndexWriteAttempts:    5,
		IndexWriteBackoff:     20 * time.Millisecond,
		InvalidateConcurrency: 8,
		AccessTokenTTL:        15 * time.Minute,
		ClockSkew:             30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - TETHER_SESSION_ISSUER
//   - TETHER_SESSION_TTL
//   - TETHER_SESSION_GRACE
//   - TETHER_INDEX_WRITE_ATTEMPTS (1..20)
//   - TETHER_INDEX_WRITE_BACKOFF
//   - TETHER_INVALIDATE_CONCURRENCY (1..64)
//   - TETHER_ACCESS_TTL
//   - TETHER_CLOCK_SKEW
//   - TETHER_PASETO_V4_SECRET_KEY_HEX
//   - TETHER_REQUIRE_TOKEN_HMAC
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("TETHER_SESSION_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		env       string
		dst       *time.Duration
		allowZero bool
	}{
		{"TETHER_SESSION_TTL", &cfg.SessionTTL, false},
		{"TETHER_SESSION_GRACE", &cfg.GracePeriod, false},
		{"TETHER_INDEX_WRITE_BACKOFF", &cfg.IndexWriteBackoff, false},
		{"TETHER_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"TETHER_CLOCK_SKEW", &cfg.ClockSkew, true},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("TETHER_INDEX_WRITE_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 20 {
			return Config{}, ErrConfig
		}
		cfg.IndexWriteAttempts = n
	}

	if v := strings.TrimSpace(os.Getenv("TETHER_INVALIDATE_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.InvalidateConcurrency = n
	}

	if v := strings.TrimSpace(os.Getenv("TETHER_REQUIRE_TOKEN_HMAC")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RequireTokenHMAC = b
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("TETHER_PASETO_V4_SECRET_KEY_HEX"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.SessionTTL <= 0 || c.GracePeriod <= 0 || c.AccessTokenTTL <= 0 {
		return ErrConfig
	}
	// An access token must not outlive the session it names.
	if c.AccessTokenTTL > c.SessionTTL {
		return ErrConfig
	}
	if c.IndexWriteAttempts < 1 || c.InvalidateConcurrency < 1 {
		return ErrConfig
	}
	return nil
}
