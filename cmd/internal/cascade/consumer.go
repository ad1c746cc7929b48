package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/reconcile"
	"tether/cmd/internal/retry"
	"tether/cmd/internal/statestore"
	eventsv1 "tether/shared/contracts/events/v1"
)

const processedKeyPrefix = "processed:"

var tracer = otel.Tracer("tether/cascade")

// TombstoneWriter writes deletion tombstones.
type TombstoneWriter interface {
	WriteTombstone(ctx context.Context, accountID string, deletedAt time.Time, eventID string) (reconcile.Tombstone, error)
}

// AccountInvalidator invalidates all sessions of an account.
type AccountInvalidator interface {
	InvalidateAllForAccount(ctx context.Context, accountID, reason string) (int, error)
}

// ProcessedKey is the dedup marker key for eventID within group.
func ProcessedKey(group, eventID string) string {
	return processedKeyPrefix + group + ":" + eventID
}

type processedMarker struct {
	AccountID   string    `json:"account_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Sessions    int       `json:"sessions"`
	Attempt     int       `json:"attempt"`
}

// Consumer handles account.deleted deliveries.
type Consumer struct {
	cfg        Config
	store      statestore.Store
	tombstones TombstoneWriter
	sessions   AccountInvalidator
	policy     retry.Policy

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// NewConsumer constructs a Consumer. store holds the processed markers.
func NewConsumer(cfg Config, store statestore.Store, tombstones TombstoneWriter, sessions AccountInvalidator, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || tombstones == nil || sessions == nil {
		return nil, errors.New("cascade: store, tombstones and sessions are required")
	}

	c := &Consumer{
		cfg:        cfg,
		store:      store,
		tombstones: tombstones,
		sessions:   sessions,
		policy: retry.Policy{
			MaxAttempts:    cfg.MaxAttempts,
			BaseBackoff:    cfg.BaseBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			AttemptTimeout: cfg.AttemptTimeout,
		},
		log:     slog.Default(),
		metrics: metrics.Discard(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run subscribes cfg.Workers handlers to account.deleted and blocks until ctx
// is done or a subscription fails.
func (c *Consumer) Run(ctx context.Context, sub eventbus.Subscriber) error {
	c.log.Info("cascade.consumer.start",
		slog.String("group", c.cfg.Group),
		slog.Int("workers", c.cfg.Workers),
		slog.Int("max_attempts", c.cfg.MaxAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			return sub.Subscribe(gctx, eventsv1.TypeAccountDeleted, c.cfg.Group, c.Handle)
		})
	}
	err := g.Wait()
	c.log.Info("cascade.consumer.stop", slog.String("group", c.cfg.Group))
	return err
}

// Handle processes one delivery. A nil return acknowledges it.
func (c *Consumer) Handle(ctx context.Context, env eventbus.Envelope) error {
	start := time.Now()
	defer func() { c.metrics.CascadeDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "cascade.account_deleted", trace.WithAttributes(
		attribute.String("event_id", env.ID),
		attribute.Int("attempt", env.Attempt),
	))
	defer span.End()

	var ev eventsv1.AccountDeleted
	if err := decode(env, &ev); err != nil {
		// Redelivering a malformed envelope cannot succeed.
		c.metrics.CascadeEvents.WithLabelValues(metrics.ResultInvalid).Inc()
		c.log.Error("cascade.envelope.invalid",
			slog.String("event_id", env.ID),
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, "invalid envelope")
		return nil
	}
	span.SetAttributes(attribute.String("account_id", ev.AccountID))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	log := c.log.With(
		slog.String("event_id", env.ID),
		slog.String("account_id", ev.AccountID),
		slog.Int("attempt", env.Attempt),
	)

	done, err := c.seen(ctx, env.ID)
	if err != nil {
		return c.fail(span, log, env, ev, "dedup check", 1, err)
	}
	if done {
		c.metrics.CascadeEvents.WithLabelValues(metrics.ResultDuplicate).Inc()
		log.Debug("cascade.duplicate")
		return nil
	}

	// The tombstone must be visible before the index is read.
	res, err := c.policy.Do(ctx, nil, func(ctx context.Context, _ int) error {
		_, err := c.tombstones.WriteTombstone(ctx, ev.AccountID, ev.DeletedAt, env.ID)
		return err
	})
	if err != nil {
		return c.fail(span, log, env, ev, "write tombstone", res.Attempts, err)
	}

	invalidated := 0
	res, err = c.policy.Do(ctx, nil, func(ctx context.Context, attempt int) error {
		n, err := c.sessions.InvalidateAllForAccount(ctx, ev.AccountID, eventsv1.ReasonAccountDeleted)
		invalidated += n
		if err != nil {
			log.Warn("cascade.invalidate.retry",
				slog.Int("try", attempt),
				slog.Int("invalidated", n),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		return c.fail(span, log, env, ev, "invalidate sessions", res.Attempts, err)
	}

	c.markProcessed(ctx, log, env, ev, invalidated)

	c.metrics.CascadeEvents.WithLabelValues(metrics.ResultProcessed).Inc()
	c.metrics.CascadeSessions.Observe(float64(invalidated))
	span.SetAttributes(attribute.Int("sessions.invalidated", invalidated))
	log.Info("cascade.processed",
		slog.Int("sessions_invalidated", invalidated),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

func decode(env eventbus.Envelope, ev *eventsv1.AccountDeleted) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Type != eventsv1.TypeAccountDeleted {
		return fmt.Errorf("%w: unexpected type %q", eventbus.ErrInvalidEnvelope, env.Type)
	}
	if err := env.Decode(ev); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %w", eventbus.ErrInvalidEnvelope, err)
	}
	return nil
}

func (c *Consumer) seen(ctx context.Context, eventID string) (bool, error) {
	var done bool
	_, err := c.policy.Do(ctx, nil, func(ctx context.Context, _ int) error {
		_, err := c.store.Get(ctx, ProcessedKey(c.cfg.Group, eventID))
		switch {
		case err == nil:
			done = true
			return nil
		case statestore.IsNotFound(err):
			done = false
			return nil
		default:
			return err
		}
	})
	return done, err
}

// markProcessed is best effort: without the marker a redelivery repeats
// idempotent work.
func (c *Consumer) markProcessed(ctx context.Context, log *slog.Logger, env eventbus.Envelope, ev eventsv1.AccountDeleted, sessions int) {
	raw, err := json.Marshal(processedMarker{
		AccountID:   ev.AccountID,
		ProcessedAt: c.now(),
		Sessions:    sessions,
		Attempt:     env.Attempt,
	})
	if err != nil {
		log.Warn("cascade.mark.fail", slog.String("error", err.Error()))
		return
	}

	_, err = c.policy.Do(ctx, nil, func(ctx context.Context, _ int) error {
		_, err := c.store.Put(ctx, ProcessedKey(c.cfg.Group, env.ID), raw, c.cfg.DedupTTL)
		return err
	})
	if err != nil {
		log.Warn("cascade.mark.fail", slog.String("error", err.Error()))
	}
}

func (c *Consumer) fail(span trace.Span, log *slog.Logger, env eventbus.Envelope, ev eventsv1.AccountDeleted, step string, attempts int, err error) error {
	xerr := &ExhaustedError{
		EventID:   env.ID,
		AccountID: ev.AccountID,
		Step:      step,
		Attempts:  attempts,
		Err:       err,
	}

	span.RecordError(xerr)
	span.SetStatus(codes.Error, step)

	if retry.IsContextError(err) && !errors.Is(err, context.DeadlineExceeded) {
		// Shutdown: leave the envelope for redelivery without alerting.
		c.metrics.CascadeEvents.WithLabelValues(metrics.ResultFailed).Inc()
		log.Info("cascade.interrupted", slog.String("step", step))
		return xerr
	}

	c.metrics.CascadeEvents.WithLabelValues(metrics.ResultExhausted).Inc()
	c.metrics.CascadeExhausted.Inc()
	log.Error("cascade.exhausted",
		slog.String("step", step),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	return xerr
}
