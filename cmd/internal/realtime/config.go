package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second

	// Origin is required by default and only localhost is allowed (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSConfig controls the realtime gateway.
type WSConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout time.Duration
	// ReadIdleTimeout closes connections that send nothing for this long (0: off).
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// RevalidateEvery re-checks the connection's session with the registry (0: off).
	RevalidateEvery time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultWSConfig returns secure defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RevalidateEvery:  revalidateInterval,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadWSConfigFromEnv overlays TETHER_WS_* variables onto the defaults.
// Invalid values fall back to the default for that field.
func LoadWSConfigFromEnv() WSConfig {
	d := DefaultWSConfig()
	cfg := WSConfig{
		DevInsecure:      envBoolWS("TETHER_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("TETHER_WS_ORIGIN_REQUIRED", d.OriginRequired),
		AllowedOrigins:   splitCSV(envStringWS("TETHER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)),
		WriteTimeout:     envDurationWS("TETHER_WS_WRITE_TIMEOUT", d.WriteTimeout),
		ReadIdleTimeout:  envDurationWS("TETHER_WS_READ_IDLE_TIMEOUT", 0),
		SendQueueSize:    envIntWS("TETHER_WS_SEND_QUEUE", d.SendQueueSize),
		HeartbeatEvery:   envDurationWS("TETHER_WS_HEARTBEAT_INTERVAL", d.HeartbeatEvery),
		HeartbeatTimeout: envDurationWS("TETHER_WS_HEARTBEAT_TIMEOUT", d.HeartbeatTimeout),
		RevalidateEvery:  envDurationWS("TETHER_WS_REVALIDATE_INTERVAL", d.RevalidateEvery),
		RateEvents:       envIntWS("TETHER_WS_RATE_EVENTS", d.RateEvents),
		RateWindow:       envDurationWS("TETHER_WS_RATE_WINDOW", d.RateWindow),
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	return cfg
}

// ---- env helpers ----

func envStringWS(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolWS(key string, def bool) bool {
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

func envIntWS(key string, def int) int {
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

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
