package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv()
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("TETHER_API_TRUST_PROXY", "true")
	t.Setenv("TETHER_API_SESSION_IP_MAX", "5")
	t.Setenv("TETHER_API_SESSION_IP_WINDOW", "30s")
	t.Setenv("TETHER_API_ACCOUNT_IP_MAX", "not-a-number")

	cfg := LoadConfigFromEnv()
	if !cfg.TrustProxy {
		t.Fatalf("expected TrustProxy=true")
	}
	if cfg.SessionIPMax != 5 || cfg.SessionIPWindow != 30*time.Second {
		t.Fatalf("unexpected session throttle: max=%d window=%v", cfg.SessionIPMax, cfg.SessionIPWindow)
	}
	if cfg.AccountIPMax != DefaultConfig().AccountIPMax {
		t.Fatalf("invalid value should fall back to default, got %d", cfg.AccountIPMax)
	}
}

func TestLoadConfigFromEnv_ClampsBodyLimit(t *testing.T) {
	t.Setenv("TETHER_API_MAX_BODY_BYTES", "104857600")

	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected body limit clamped to 1 MiB, got %d", cfg.MaxBodyBytes)
	}
}
