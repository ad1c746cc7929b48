package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tether/cmd/internal/metrics"
	"tether/cmd/internal/retry"
	"tether/cmd/internal/statestore"
	eventsv1 "tether/shared/contracts/events/v1"
)

var tracer = otel.Tracer("tether/reconcile")

// AccountInvalidator is the slice of the session registry the sweeper drives.
type AccountInvalidator interface {
	InvalidateAllForAccount(ctx context.Context, accountID, reason string) (int, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	Tombstones int
	Healed     int
	Expired    int
	Purged     int64
}

// Sweeper periodically re-invalidates accounts with live tombstones and
// expires overdue sessions.
type Sweeper struct {
	cfg        Config
	tombstones *Tombstones
	sessions   AccountInvalidator
	store      statestore.Store

	log     *slog.Logger
	metrics *metrics.Metrics
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSweeperMetrics sets the metrics sink.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPurgeStore enables physical removal of expired entries after each sweep
// when store implements statestore.Purger.
func WithPurgeStore(store statestore.Store) SweeperOption {
	return func(s *Sweeper) { s.store = store }
}

// NewSweeper constructs a Sweeper.
func NewSweeper(cfg Config, tombstones *Tombstones, sessions AccountInvalidator, opts ...SweeperOption) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tombstones == nil || sessions == nil {
		return nil, errors.New("reconcile: tombstones and sessions are required")
	}
	s := &Sweeper{
		cfg:        cfg,
		tombstones: tombstones,
		sessions:   sessions,
		log:        slog.Default(),
		metrics:    metrics.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run sweeps every SweepInterval until ctx is done. Sweep failures are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("reconcile.sweeper.start",
		slog.Duration("interval", s.cfg.SweepInterval),
		slog.Duration("tombstone_ttl", s.cfg.TombstoneTTL),
	)

	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconcile.sweeper.stop")
			return nil
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && !retry.IsContextError(err) {
				s.log.Warn("reconcile.sweep.fail", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce runs a single pass. It keeps going after per-account failures and
// returns them joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	start := time.Now()
	var (
		rep  Report
		errs []error
	)

	after := ""
	for {
		page, next, err := s.tombstones.List(ctx, after, s.cfg.SweepBatch)
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, ts := range page {
			rep.Tombstones++
			n, err := s.sessions.InvalidateAllForAccount(ctx, ts.AccountID, eventsv1.ReasonAccountDeletedSweep)
			rep.Healed += n
			if n > 0 {
				s.log.Warn("reconcile.sweep.healed",
					slog.String("account_id", ts.AccountID),
					slog.String("event_id", ts.EventID),
					slog.Int("sessions", n),
				)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("account %s: %w", ts.AccountID, err))
			}
		}
		if next == "" || ctx.Err() != nil {
			break
		}
		after = next
	}

	expired, err := s.sessions.SweepExpired(ctx, s.cfg.ExpireLimit)
	rep.Expired = expired
	if err != nil {
		errs = append(errs, fmt.Errorf("expire: %w", err))
	}

	if p, ok := s.store.(statestore.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		rep.Purged = n
		if err != nil {
			errs = append(errs, fmt.Errorf("purge: %w", err))
		}
	}

	s.metrics.TombstonesActive.Set(float64(rep.Tombstones))
	s.metrics.ReconcileHealed.Add(float64(rep.Healed))

	span.SetAttributes(
		attribute.Int("tombstones", rep.Tombstones),
		attribute.Int("healed", rep.Healed),
		attribute.Int("expired", rep.Expired),
	)

	if err := errors.Join(errs...); err != nil {
		s.metrics.ReconcileSweeps.WithLabelValues(metrics.ResultFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep")
		return rep, err
	}

	s.metrics.ReconcileSweeps.WithLabelValues(metrics.ResultProcessed).Inc()
	s.log.Debug("reconcile.sweep.done",
		slog.Int("tombstones", rep.Tombstones),
		slog.Int("healed", rep.Healed),
		slog.Int("expired", rep.Expired),
		slog.Int64("purged", rep.Purged),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return rep, nil
}
