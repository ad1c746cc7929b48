package reconcile

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// Config controls tombstone lifetime and the background sweep.
type Config struct {
	// TombstoneTTL must cover PropagationWindow + MaxRedelivery.
	TombstoneTTL time.Duration

	// PropagationWindow bounds how long an acknowledged session may take to
	// become visible in its account's index.
	PropagationWindow time.Duration

	// MaxRedelivery is the longest the bus may take to redeliver an
	// unacknowledged envelope.
	MaxRedelivery time.Duration

	SweepInterval time.Duration

	// SweepBatch is the tombstone page size per sweep.
	SweepBatch int

	// ExpireLimit caps expirations per sweep (0: no cap).
	ExpireLimit int
}

// DefaultConfig returns the default reconciliation settings.
func DefaultConfig() Config {
	return Config{
		TombstoneTTL:      2 * time.Hour,
		PropagationWindow: 30 * time.Second,
		MaxRedelivery:     time.Hour,
		SweepInterval:     30 * time.Second,
		SweepBatch:        100,
		ExpireLimit:       1000,
	}
}

// LoadConfigFromEnv loads reconciliation configuration.
//
// Optional:
//   - TETHER_TOMBSTONE_TTL
//   - TETHER_PROPAGATION_WINDOW
//   - TETHER_MAX_REDELIVERY
//   - TETHER_SWEEP_INTERVAL
//   - TETHER_SWEEP_BATCH (1..1000)
//   - TETHER_EXPIRE_LIMIT (>= 0)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TETHER_TOMBSTONE_TTL", &cfg.TombstoneTTL},
		{"TETHER_PROPAGATION_WINDOW", &cfg.PropagationWindow},
		{"TETHER_MAX_REDELIVERY", &cfg.MaxRedelivery},
		{"TETHER_SWEEP_INTERVAL", &cfg.SweepInterval},
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

	if v := strings.TrimSpace(os.Getenv("TETHER_SWEEP_BATCH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxSweepBatch {
			return Config{}, ErrConfig
		}
		cfg.SweepBatch = n
	}

	if v := strings.TrimSpace(os.Getenv("TETHER_EXPIRE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.ExpireLimit = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MaxSweepBatch is the state store's scan page cap.
const MaxSweepBatch = 1000

// Validate checks the tombstone lifetime invariant.
func (c Config) Validate() error {
	if c.TombstoneTTL <= 0 || c.SweepInterval <= 0 || c.SweepBatch < 1 || c.SweepBatch > MaxSweepBatch {
		return ErrConfig
	}
	if c.TombstoneTTL < c.PropagationWindow+c.MaxRedelivery {
		return ErrConfig
	}
	// At least one sweep must run while a tombstone is live.
	if c.SweepInterval >= c.TombstoneTTL {
		return ErrConfig
	}
	return nil
}

// LatencyBound is the documented upper bound for a deleted account's sessions
// to become unusable to every reader.
func (c Config) LatencyBound() time.Duration {
	return c.TombstoneTTL + c.MaxRedelivery
}
