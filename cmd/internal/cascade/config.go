package cascade

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the account.deleted consumer.
type Config struct {
	// Group is the consumer group on the bus.
	Group string

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// AttemptTimeout time-boxes one store call.
	AttemptTimeout time.Duration

	// HandlerTimeout time-boxes a whole delivery.
	HandlerTimeout time.Duration

	// DedupTTL is how long processed markers are kept.
	DedupTTL time.Duration

	// Workers is the number of concurrent subscriptions in Group.
	Workers int
}

// DefaultConfig returns the default consumer settings.
func DefaultConfig() Config {
	return Config{
		Group:          "tether-session-cascade",
		MaxAttempts:    6,
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 5 * time.Second,
		HandlerTimeout: 30 * time.Second,
		DedupTTL:       72 * time.Hour,
		Workers:        4,
	}
}

// LoadConfigFromEnv loads consumer configuration.
//
// Optional:
//   - TETHER_CASCADE_GROUP
//   - TETHER_CASCADE_MAX_ATTEMPTS (1..50)
//   - TETHER_CASCADE_BASE_BACKOFF
//   - TETHER_CASCADE_MAX_BACKOFF
//   - TETHER_CASCADE_ATTEMPT_TIMEOUT
//   - TETHER_CASCADE_TIMEOUT
//   - TETHER_DEDUP_TTL
//   - TETHER_CASCADE_WORKERS (1..64)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("TETHER_CASCADE_GROUP")); v != "" {
		cfg.Group = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TETHER_CASCADE_BASE_BACKOFF", &cfg.BaseBackoff},
		{"TETHER_CASCADE_MAX_BACKOFF", &cfg.MaxBackoff},
		{"TETHER_CASCADE_ATTEMPT_TIMEOUT", &cfg.AttemptTimeout},
		{"TETHER_CASCADE_TIMEOUT", &cfg.HandlerTimeout},
		{"TETHER_DEDUP_TTL", &cfg.DedupTTL},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	ints := []struct {
		env      string
		dst      *int
		min, max int
	}{
		{"TETHER_CASCADE_MAX_ATTEMPTS", &cfg.MaxAttempts, 1, 50},
		{"TETHER_CASCADE_WORKERS", &cfg.Workers, 1, 64},
	}
	for _, i := range ints {
		v := strings.TrimSpace(os.Getenv(i.env))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < i.min || n > i.max {
			return Config{}, ErrConfig
		}
		*i.dst = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks basic invariants.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Group) == "" || strings.ContainsAny(c.Group, ": \t") {
		return ErrConfig
	}
	if c.MaxAttempts < 1 || c.Workers < 1 {
		return ErrConfig
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return ErrConfig
	}
	if c.HandlerTimeout <= 0 || c.DedupTTL <= 0 {
		return ErrConfig
	}
	return nil
}
