package reconcile

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{
		"TETHER_TOMBSTONE_TTL", "TETHER_PROPAGATION_WINDOW", "TETHER_MAX_REDELIVERY",
		"TETHER_SWEEP_INTERVAL", "TETHER_SWEEP_BATCH", "TETHER_EXPIRE_LIMIT",
	} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	if got, want := cfg.LatencyBound(), 3*time.Hour; got != want {
		t.Fatalf("latency bound = %v, want %v", got, want)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("TETHER_TOMBSTONE_TTL", "10m")
	t.Setenv("TETHER_PROPAGATION_WINDOW", "5s")
	t.Setenv("TETHER_MAX_REDELIVERY", "5m")
	t.Setenv("TETHER_SWEEP_INTERVAL", "1s")
	t.Setenv("TETHER_SWEEP_BATCH", "10")
	t.Setenv("TETHER_EXPIRE_LIMIT", "0")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TombstoneTTL != 10*time.Minute || cfg.SweepInterval != time.Second || cfg.SweepBatch != 10 || cfg.ExpireLimit != 0 {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"TETHER_TOMBSTONE_TTL": "soon"}},
		{"negative duration", map[string]string{"TETHER_SWEEP_INTERVAL": "-1s"}},
		{"batch too large", map[string]string{"TETHER_SWEEP_BATCH": "5000"}},
		{"negative expire limit", map[string]string{"TETHER_EXPIRE_LIMIT": "-1"}},
		{"ttl shorter than window plus redelivery", map[string]string{
			"TETHER_TOMBSTONE_TTL":  "10m",
			"TETHER_MAX_REDELIVERY": "10m",
		}},
		{"interval not shorter than ttl", map[string]string{
			"TETHER_TOMBSTONE_TTL":  "2h",
			"TETHER_SWEEP_INTERVAL": "2h",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{
				"TETHER_TOMBSTONE_TTL", "TETHER_PROPAGATION_WINDOW", "TETHER_MAX_REDELIVERY",
				"TETHER_SWEEP_INTERVAL", "TETHER_SWEEP_BATCH", "TETHER_EXPIRE_LIMIT",
			} {
				t.Setenv(k, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestValidate_RejectsBatchAboveStorePageCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SweepBatch = MaxSweepBatch
	if err := cfg.Validate(); err != nil {
		t.Fatalf("batch at cap: %v", err)
	}
	cfg.SweepBatch = MaxSweepBatch + 1
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
