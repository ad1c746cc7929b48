package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tether/cmd/identity/ids"
	authapi "tether/cmd/internal/auth/api"
	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/cascade"
	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/realtime"
	"tether/cmd/internal/reconcile"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Empty DatabaseURL selects the in-memory state store.
	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	MigrateOnStart bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty KafkaBrokers selects the in-process bus.
	KafkaBrokers      []string
	KafkaWriteTimeout time.Duration
	KafkaRetryBackoff time.Duration

	// InstanceID names this process; the realtime listener group is derived
	// from it so every instance receives every session.invalidated event.
	InstanceID string

	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Session   session.Config
	Cascade   cascade.Config
	Reconcile reconcile.Config
	WS        realtime.WSConfig
	API       authapi.Config
}

// LoadConfig loads Config from environment variables with defaults. A .env file
// in the working directory is read first; variables already set win.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPAddr:  EnvString("TETHER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TETHER_LOG_LEVEL", "info"),
		LogFormat: EnvString("TETHER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TETHER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("TETHER_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:    EnvString("TETHER_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("TETHER_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("TETHER_DB_MIN_CONNS", 0),
		MigrateOnStart: EnvBool("TETHER_MIGRATE_ON_START", false),

		ReadinessRequireDB: EnvBool("TETHER_READINESS_REQUIRE_DB", false),

		KafkaBrokers:      EnvCSV("TETHER_KAFKA_BROKERS"),
		KafkaWriteTimeout: EnvDuration("TETHER_KAFKA_WRITE_TIMEOUT", 10*time.Second),
		KafkaRetryBackoff: EnvDuration("TETHER_KAFKA_RETRY_BACKOFF", time.Second),

		InstanceID: EnvString("TETHER_INSTANCE_ID", ""),

		ServiceName:  EnvString("TETHER_SERVICE_NAME", "tether"),
		OTLPEndpoint: EnvString("TETHER_OTLP_ENDPOINT", ""),
		OTLPInsecure: EnvBool("TETHER_OTLP_INSECURE", false),

		CORSAllowedOrigins:   EnvCSV("TETHER_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("TETHER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TETHER_CORS_MAX_AGE_SECONDS", 600),

		WS:  realtime.LoadWSConfigFromEnv(),
		API: authapi.LoadConfigFromEnv(),
	}

	var err error
	if cfg.Session, err = session.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("session config: %w", err)
	}
	if cfg.Cascade, err = cascade.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("cascade config: %w", err)
	}
	if cfg.Reconcile, err = reconcile.LoadConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("reconcile config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	switch cfg.LogFormat {
	case "json", "pretty":
	default:
		return Config{}, fmt.Errorf("TETHER_LOG_FORMAT must be json or pretty, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// DefaultConfig is an in-memory configuration for local runs and tests.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:          "127.0.0.1:8080",
		LogLevel:          "info",
		LogFormat:         "json",
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   10 * time.Second,
		KafkaWriteTimeout: 10 * time.Second,
		KafkaRetryBackoff: time.Second,
		InstanceID:        defaultInstanceID(),
		ServiceName:       "tether",
		CORSMaxAgeSeconds: 600,
		Session:           session.DefaultConfig(),
		Cascade:           cascade.DefaultConfig(),
		Reconcile:         reconcile.DefaultConfig(),
		WS:                realtime.DefaultWSConfig(),
		API:               authapi.DefaultConfig(),
	}
}

func (c Config) kafkaConfig() eventbus.KafkaConfig {
	return eventbus.KafkaConfig{
		Brokers:             c.KafkaBrokers,
		WriteTimeout:        c.KafkaWriteTimeout,
		RetryBackoff:        c.KafkaRetryBackoff,
		// A new gateway instance only cares about invalidations from now on.
		LatestGroupPrefixes: []string{listenerGroupPrefix},
	}
}

const listenerGroupPrefix = "tether-gateway-"

// listenerGroup is unique per instance: fan-out, not load balancing.
func (c Config) listenerGroup() string {
	return listenerGroupPrefix + c.InstanceID
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	host = strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' || r == '\t' {
			return '-'
		}
		return r
	}, strings.TrimSpace(host))
	if err != nil || host == "" {
		host = "tether"
	}
	suffix, err := ids.NewULID(time.Now())
	if err != nil {
		return host
	}
	return strings.ToLower(host + "-" + suffix[len(suffix)-6:])
}
