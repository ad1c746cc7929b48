// Package app wires the Tether server runtime: config, logging, storage, the
// event bus, the cascade consumer, the sweeper, HTTP routes and the realtime
// gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"tether/cmd/identity"
	authapi "tether/cmd/internal/auth/api"
	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/cascade"
	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/realtime"
	"tether/cmd/internal/reconcile"
	"tether/cmd/internal/statestore"
)

// App is the Tether server runtime.
type App struct {
	cfg Config
	log Logger

	pool    *pgxpool.Pool
	store   statestore.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics

	accounts   *identity.Registry
	sessions   *session.Registry
	tombstones *reconcile.Tombstones
	consumer   *cascade.Consumer
	sweeper    *reconcile.Sweeper

	hub      *realtime.Hub
	ws       *realtime.WSGateway
	listener *realtime.Listener
	api      *authapi.Handler

	handler         http.Handler
	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App. Resources acquired before a failure are
// released before returning.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg.Session); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.shutdownTracing, err = setupTracing(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if err = a.openBus(); err != nil {
		return nil, err
	}

	if a.tombstones, err = reconcile.NewTombstones(a.store, cfg.Reconcile.TombstoneTTL); err != nil {
		return nil, err
	}

	scfg := cfg.Session
	if scfg.PasetoV4SecretKeyHex == "" {
		scfg.PasetoV4SecretKeyHex = session.GenerateSecretKeyHex()
		log.Warn("session.paseto.ephemeral_key", "hint", "set TETHER_PASETO_V4_SECRET_KEY_HEX; tokens will not survive a restart or validate on other instances")
	}
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		return nil, fmt.Errorf("access tokens: %w", err)
	}
	if a.sessions, err = session.NewRegistry(scfg, a.store, a.tombstones, a.bus,
		session.WithLogger(log),
		session.WithMetrics(a.metrics),
		session.WithAccessTokens(tokens),
	); err != nil {
		return nil, err
	}

	if a.accounts, err = identity.NewRegistry(a.store, a.bus,
		identity.WithLogger(log),
		identity.WithMetrics(a.metrics),
	); err != nil {
		return nil, err
	}

	if a.consumer, err = cascade.NewConsumer(cfg.Cascade, a.store, a.tombstones, a.sessions,
		cascade.WithLogger(log),
		cascade.WithMetrics(a.metrics),
	); err != nil {
		return nil, err
	}
	if a.sweeper, err = reconcile.NewSweeper(cfg.Reconcile, a.tombstones, a.sessions,
		reconcile.WithSweeperLogger(log),
		reconcile.WithSweeperMetrics(a.metrics),
		reconcile.WithPurgeStore(a.store),
	); err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log, a.metrics)
	if a.ws, err = realtime.NewWSGateway(cfg.WS, log, a.hub, a.sessions); err != nil {
		return nil, err
	}
	a.listener = realtime.NewListener(a.hub, cfg.listenerGroup(), log)

	if a.api, err = authapi.NewHandler(log, cfg.API, a.accounts, a.sessions); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	a.registerHTTP(mux)
	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = statestore.NewMemoryStore()
		return nil
	}

	if a.cfg.MigrateOnStart {
		if err := RunMigrations(a.cfg.DatabaseURL, "up"); err != nil {
			return err
		}
		a.log.Info("db.migrations.applied")
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db pool: %w", err)
	}
	a.pool = pool

	st, err := statestore.NewPostgresStore(pool)
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store")
	return nil
}

func (a *App) openBus() error {
	if len(a.cfg.KafkaBrokers) == 0 {
		a.log.Info("eventbus.memory", "hint", "single-process only; set TETHER_KAFKA_BROKERS for multi-instance")
		a.bus = eventbus.NewMemoryBus(eventbus.WithMemoryLogger(a.log))
		return nil
	}
	bus, err := eventbus.NewKafkaBus(a.cfg.kafkaConfig(), a.log)
	if err != nil {
		return fmt.Errorf("kafka bus: %w", err)
	}
	a.bus = bus
	a.log.Info("eventbus.kafka", "brokers", a.cfg.KafkaBrokers)
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on cfg.HTTPAddr and serves until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the cascade consumer, the
// sweeper and the gateway listener. It shuts everything down when ctx is done
// or any of them fails, and releases the App's resources before returning.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Hijacked WebSocket connections are invisible to Shutdown; their request
	// contexts derive from connCtx, which is cancelled once shutdown begins.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()
	srv.BaseContext = func(net.Listener) context.Context { return connCtx }
	srv.RegisterOnShutdown(cancelConns)

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"instance_id", a.cfg.InstanceID,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(a.consumer.Run(gctx, a.bus)) })
	g.Go(func() error { return ignoreCanceled(a.sweeper.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.listener.Run(gctx, a.bus)) })

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
	} else {
		a.log.Info("server.stop", "reason", "context_done")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.close(closeCtx)

	a.log.Info("server.stopped")
	return err
}

// close releases resources in reverse order of acquisition.
func (a *App) close(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("eventbus.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Error("otel.shutdown.fail", "err", err)
		}
	}
}

// ignoreCanceled treats shutdown as a clean exit for background components.
func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, eventbus.ErrClosed) {
		return nil
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
