package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls HTTP API behavior and abuse limits.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Session creation is throttled per client IP.
	SessionIPMax    int
	SessionIPWindow time.Duration

	// Account creation is throttled per client IP.
	AccountIPMax    int
	AccountIPWindow time.Duration
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    64 << 10,
		SessionIPMax:    30,
		SessionIPWindow: time.Minute,
		AccountIPMax:    10,
		AccountIPWindow: time.Minute,
	}
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:      envBool("TETHER_API_TRUST_PROXY", false),
		MaxBodyBytes:    envInt64("TETHER_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		SessionIPMax:    envInt("TETHER_API_SESSION_IP_MAX", def.SessionIPMax),
		SessionIPWindow: envDuration("TETHER_API_SESSION_IP_WINDOW", def.SessionIPWindow),
		AccountIPMax:    envInt("TETHER_API_ACCOUNT_IP_MAX", def.AccountIPMax),
		AccountIPWindow: envDuration("TETHER_API_ACCOUNT_IP_WINDOW", def.AccountIPWindow),
	}

	// 1 MiB hard ceiling; request bodies here are tiny.
	if cfg.MaxBodyBytes > 1<<20 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
