package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tether/cmd/identity/ids"
	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/retry"
	"tether/cmd/internal/statestore"
	eventsv1 "tether/shared/contracts/events/v1"
)

const maxCASAttempts = 8

var tracer = otel.Tracer("tether/identity")

// Registry owns account records.
type Registry struct {
	store   statestore.Store
	pub     eventbus.Publisher
	publish retry.Policy

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPublishRetry overrides the retry policy for account.deleted publishes.
func WithPublishRetry(p retry.Policy) Option {
	return func(r *Registry) { r.publish = p }
}

// NewRegistry constructs an account Registry.
func NewRegistry(store statestore.Store, pub eventbus.Publisher, opts ...Option) (*Registry, error) {
	if store == nil || pub == nil {
		return nil, errors.New("identity: store and publisher are required")
	}
	r := &Registry{
		store: store,
		pub:   pub,
		publish: retry.Policy{
			MaxAttempts:    5,
			BaseBackoff:    50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			AttemptTimeout: 5 * time.Second,
		},
		log:     slog.Default(),
		metrics: metrics.Discard(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Create creates an active account.
func (r *Registry) Create(ctx context.Context, in CreateInput) (Account, error) {
	const op = "identity.Create"

	now := r.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Account{}, fmt.Errorf("%s: generate id: %w", op, err)
	}

	acct := Account{ID: id, State: StateActive, CreatedAt: now}

	if in.Handle != nil {
		handle := strings.TrimSpace(*in.Handle)
		norm := NormalizeHandle(handle)
		if !validHandle(norm) {
			return Account{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "handle"}
		}
		_, created, err := r.store.PutIfAbsent(ctx, handleKey(norm), []byte(id), 0)
		if err != nil {
			return Account{}, fmt.Errorf("%s: reserve handle: %w", op, err)
		}
		if !created {
			return Account{}, ConflictError{Op: op, Field: "handle"}
		}
		acct.Handle = &handle
		acct.HandleNorm = &norm
	}

	raw, err := encodeAccount(acct)
	if err != nil {
		return Account{}, err
	}
	if _, _, err := r.store.PutIfAbsent(ctx, AccountKey(id), raw, 0); err != nil {
		if acct.HandleNorm != nil {
			_ = r.store.Delete(ctx, handleKey(*acct.HandleNorm))
		}
		return Account{}, fmt.Errorf("%s: write account: %w", op, err)
	}

	r.log.Info("account.create.ok", "account_id", id)
	return acct, nil
}

// Get returns the account (active or deleted).
func (r *Registry) Get(ctx context.Context, id string) (Account, error) {
	a, _, err := r.load(ctx, "identity.Get", id)
	return a, err
}

// Delete marks the account deleted and publishes account.deleted.
//
// Deleting an already-deleted account re-publishes the same event and returns
// the stored record, which covers a crash between the state write and the
// publish. A publish that exhausts its retries returns the deleted account
// together with an ErrPublish error; calling Delete again retries it.
func (r *Registry) Delete(ctx context.Context, id, reason string) (Account, error) {
	const op = "identity.Delete"

	ctx, span := tracer.Start(ctx, "account.delete", trace.WithAttributes(attribute.String("account_id", id)))
	defer span.End()

	var acct Account
	for i := 0; ; i++ {
		a, version, err := r.load(ctx, op, id)
		if err != nil {
			return Account{}, err
		}
		if a.Deleted() {
			acct = a
			break
		}
		if i >= maxCASAttempts {
			return Account{}, fmt.Errorf("%s: %w", op, statestore.ErrVersionConflict)
		}

		now := r.now()
		a.State = StateDeleted
		a.DeletedAt = &now
		a.DeleteReason = strings.TrimSpace(reason)

		raw, err := encodeAccount(a)
		if err != nil {
			return Account{}, err
		}
		_, err = r.store.CompareAndSwap(ctx, AccountKey(id), version, raw, 0)
		if errors.Is(err, statestore.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Account{}, fmt.Errorf("%s: write account: %w", op, err)
		}

		acct = a
		r.metrics.AccountsDeleted.Inc()
		r.log.Info("account.delete.ok", "account_id", id, "reason", a.DeleteReason)
		if a.HandleNorm != nil {
			if err := r.store.Delete(ctx, handleKey(*a.HandleNorm)); err != nil {
				r.log.Warn("account.handle.release.fail", "account_id", id, "err", err)
			}
		}
		break
	}

	if err := r.publishDeleted(ctx, acct); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		r.log.Error("account.delete.publish.fail", "account_id", id, "err", err)
		return acct, OpError{Op: op, Kind: ErrPublish, Err: err}
	}
	return acct, nil
}

// DeletedEventID is the id carried by the account's account.deleted event.
func DeletedEventID(accountID string) string {
	return eventbus.DeterministicID(eventsv1.TypeAccountDeleted, accountID)
}

func (r *Registry) publishDeleted(ctx context.Context, a Account) error {
	id := DeletedEventID(a.ID)
	env, err := eventbus.NewEnvelopeWithID(id, eventsv1.TypeAccountDeleted, a.ID, eventsv1.AccountDeleted{
		EventID:   id,
		AccountID: a.ID,
		DeletedAt: *a.DeletedAt,
	})
	if err != nil {
		return err
	}

	res, err := r.publish.Do(ctx, nil, func(ctx context.Context, _ int) error {
		return r.pub.Publish(ctx, env)
	})
	if err != nil {
		return err
	}
	r.log.Info("account.deleted.published", "account_id", a.ID, "event_id", id, "attempts", res.Attempts)
	return nil
}

func (r *Registry) load(ctx context.Context, op, id string) (Account, int64, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, ": \t\n") {
		return Account{}, 0, NotFoundError{Op: op, ID: id}
	}
	e, err := r.store.Get(ctx, AccountKey(id))
	if statestore.IsNotFound(err) {
		return Account{}, 0, NotFoundError{Op: op, ID: id}
	}
	if err != nil {
		return Account{}, 0, fmt.Errorf("%s: read account: %w", op, err)
	}
	a, err := decodeAccount(e.Value)
	if err != nil {
		return Account{}, 0, err
	}
	return a, e.Version, nil
}
