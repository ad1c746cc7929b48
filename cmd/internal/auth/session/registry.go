package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"tether/cmd/identity/ids"
	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/retry"
	"tether/cmd/internal/statestore"
	"tether/cmd/security/token"
	eventsv1 "tether/shared/contracts/events/v1"
)

const maxCASAttempts = 8

var tracer = otel.Tracer("tether/session")

// TombstoneChecker reports whether an account has a live deletion tombstone.
type TombstoneChecker interface {
	HasTombstone(ctx context.Context, accountID string) (bool, error)
}

// Registry owns session records and the account → sessions index.
type Registry struct {
	cfg        Config
	store      statestore.Store
	index      *Index
	tombstones TombstoneChecker
	pub        eventbus.Publisher
	tokens     AccessTokenManager

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

// WithAccessTokens sets the access-token manager used by IssueAccessToken/ValidateAccessToken.
func WithAccessTokens(m AccessTokenManager) Option {
	return func(r *Registry) {
		r.tokens = m
	}
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config, store statestore.Store, tombstones TombstoneChecker, pub eventbus.Publisher, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || tombstones == nil || pub == nil {
		return nil, errors.New("session: store, tombstones and publisher are required")
	}

	r := &Registry{
		cfg:        cfg,
		store:      store,
		index:      NewIndex(store),
		tombstones: tombstones,
		pub:        pub,
		log:        slog.Default(),
		metrics:    metrics.Discard(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Index exposes the membership index (read paths in tests and ops tooling).
func (r *Registry) Index() *Index { return r.index }

// CreateSession creates an Active session for accountID and indexes it.
//
// It returns ErrAccountGone when the account has a live tombstone, either
// before the record is written or after the index entry lands. In the latter
// case the new session is invalidated before returning, so a caller never
// receives a session that a concurrent cascade could have missed.
func (r *Registry) CreateSession(ctx context.Context, accountID, credentialRef string) (Session, error) {
	ctx, span := tracer.Start(ctx, "session.create", trace.WithAttributes(attribute.String("account_id", accountID)))
	defer span.End()

	accountID = strings.TrimSpace(accountID)
	if !validID(accountID) {
		return Session{}, fmt.Errorf("%w: account id", ErrInvalidArgument)
	}
	credHash, err := r.hashCredential(credentialRef)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	gone, err := r.tombstones.HasTombstone(ctx, accountID)
	if err != nil {
		span.SetStatus(codes.Error, "tombstone check")
		return Session{}, fmt.Errorf("session: tombstone check: %w", err)
	}
	if gone {
		r.metrics.SessionsRejected.Inc()
		r.log.Info("session.create.reject", "account_id", accountID, "reason", "account_gone")
		return Session{}, ErrAccountGone
	}

	now := r.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Session{}, fmt.Errorf("session: new id: %w", err)
	}
	s := Session{
		ID:             id,
		AccountID:      accountID,
		CredentialHash: credHash,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.cfg.SessionTTL),
		State:          StateActive,
	}
	span.SetAttributes(attribute.String("session_id", s.ID))

	raw, err := encodeSession(s)
	if err != nil {
		return Session{}, err
	}
	ttl := r.cfg.SessionTTL + r.cfg.GracePeriod

	_, created, err := r.store.PutIfAbsent(ctx, SessionKey(s.ID), raw, ttl)
	if err != nil {
		return Session{}, fmt.Errorf("session: write record: %w", err)
	}
	if !created {
		return Session{}, fmt.Errorf("session: id collision on %s", s.ID)
	}

	if err := r.addIndexEntry(ctx, s, ttl); err != nil {
		// The record must not outlive a failed index write.
		if derr := r.store.Delete(context.WithoutCancel(ctx), SessionKey(s.ID)); derr != nil {
			r.log.Error("session.create.rollback.fail",
				"account_id", accountID,
				"session_id", s.ID,
				"err", derr,
			)
		}
		span.SetStatus(codes.Error, "index write")
		r.log.Warn("session.create.index.fail", "account_id", accountID, "session_id", s.ID, "err", err)
		return Session{}, fmt.Errorf("%w: %w", ErrIndexWrite, err)
	}

	// A cascade whose tombstone write completed before this point may already
	// have enumerated the index without seeing the new entry.
	gone, err = r.tombstones.HasTombstone(ctx, accountID)
	if err != nil || gone {
		if _, ierr := r.invalidateMember(context.WithoutCancel(ctx), accountID, s.ID, eventsv1.ReasonAccountGoneOnCreate); ierr != nil {
			r.log.Error("session.create.retract.fail",
				"account_id", accountID,
				"session_id", s.ID,
				"err", ierr,
			)
		}
		if err != nil {
			return Session{}, fmt.Errorf("session: tombstone re-check: %w", err)
		}
		r.metrics.SessionsRejected.Inc()
		r.log.Info("session.create.reject", "account_id", accountID, "session_id", s.ID, "reason", "account_gone_after_index")
		return Session{}, ErrAccountGone
	}

	r.metrics.SessionsCreated.Inc()
	r.log.Info("session.create.ok", "account_id", accountID, "session_id", s.ID)
	return s, nil
}

func (r *Registry) addIndexEntry(ctx context.Context, s Session, ttl time.Duration) error {
	policy := retry.Policy{
		MaxAttempts: r.cfg.IndexWriteAttempts,
		BaseBackoff: r.cfg.IndexWriteBackoff,
		MaxBackoff:  10 * r.cfg.IndexWriteBackoff,
	}
	res, err := policy.Do(ctx, statestore.IsTransient, func(ctx context.Context, _ int) error {
		return r.index.Add(ctx, s.AccountID, s.ID, ttl)
	})
	if res.Attempts > 1 {
		r.metrics.IndexWriteRetries.Add(float64(res.Attempts - 1))
	}
	return err
}

// GetSessionsForAccount returns the account's Active, unexpired sessions
// ordered by creation time. Index entries whose record is gone are treated as
// already invalidated. It returns ErrAccountGone when the account has a live
// tombstone, checked both before and after reading the index.
func (r *Registry) GetSessionsForAccount(ctx context.Context, accountID string) ([]Session, error) {
	ctx, span := tracer.Start(ctx, "session.list", trace.WithAttributes(attribute.String("account_id", accountID)))
	defer span.End()

	accountID = strings.TrimSpace(accountID)
	if !validID(accountID) {
		return nil, fmt.Errorf("%w: account id", ErrInvalidArgument)
	}

	if err := r.checkAccount(ctx, accountID); err != nil {
		return nil, err
	}

	members, err := r.index.Sessions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("session: read index: %w", err)
	}

	now := r.now()
	out := make([]Session, 0, len(members))
	for _, sid := range members {
		s, err := r.load(ctx, sid)
		if errors.Is(err, ErrSessionNotFound) {
			r.log.Debug("session.index.dangling", "account_id", accountID, "session_id", sid)
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.AccountID != accountID {
			r.log.Error("session.index.mismatch", "account_id", accountID, "session_id", sid, "owner_account_id", s.AccountID)
			continue
		}
		if s.ActiveAt(now) {
			out = append(out, s)
		}
	}

	if err := r.checkAccount(ctx, accountID); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Registry) checkAccount(ctx context.Context, accountID string) error {
	gone, err := r.tombstones.HasTombstone(ctx, accountID)
	if err != nil {
		return fmt.Errorf("session: tombstone check: %w", err)
	}
	if gone {
		return ErrAccountGone
	}
	return nil
}

// Lookup returns the stored record regardless of state.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !validID(sessionID) {
		return Session{}, ErrSessionNotFound
	}
	return r.load(ctx, sessionID)
}

// InvalidateSession moves the session to Invalidated (if Active), publishes
// session.invalidated and removes its index entry. Repeated calls re-publish
// the same event id and otherwise change nothing.
func (r *Registry) InvalidateSession(ctx context.Context, sessionID, reason string) error {
	ctx, span := tracer.Start(ctx, "session.invalidate", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if !validID(sessionID) {
		return fmt.Errorf("%w: session id", ErrInvalidArgument)
	}

	s, err := r.load(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.invalidateMember(ctx, s.AccountID, sessionID, reason)
	return err
}

// InvalidateAllForAccount invalidates every session in the account's index.
// It returns how many sessions this call transitioned; failures for individual
// sessions are joined into the returned error.
func (r *Registry) InvalidateAllForAccount(ctx context.Context, accountID, reason string) (int, error) {
	ctx, span := tracer.Start(ctx, "session.invalidate_all", trace.WithAttributes(attribute.String("account_id", accountID)))
	defer span.End()

	accountID = strings.TrimSpace(accountID)
	if !validID(accountID) {
		return 0, fmt.Errorf("%w: account id", ErrInvalidArgument)
	}

	members, err := r.index.Sessions(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("session: read index: %w", err)
	}

	var (
		mu          sync.Mutex
		errs        []error
		transitions int
	)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.InvalidateConcurrency)
	for _, sid := range members {
		g.Go(func() error {
			ok, err := r.invalidateMember(ctx, accountID, sid, reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", sid, err))
			} else if ok {
				transitions++
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("sessions.transitioned", transitions))
	if len(errs) > 0 {
		span.SetStatus(codes.Error, "partial invalidation")
	}
	return transitions, errors.Join(errs...)
}

// invalidateMember ends one indexed session. The event is published before
// the index entry is removed, so a failed publish leaves the entry for the
// next cascade delivery or sweep to find.
func (r *Registry) invalidateMember(ctx context.Context, accountID, sessionID, reason string) (bool, error) {
	s, transitioned, err := r.transition(ctx, sessionID, StateInvalidated, reason)
	if errors.Is(err, ErrSessionNotFound) {
		r.log.Debug("session.index.dangling", "account_id", accountID, "session_id", sessionID)
		return false, r.index.Remove(ctx, accountID, sessionID)
	}
	if err != nil {
		return false, err
	}
	if s.AccountID != accountID {
		r.log.Error("session.index.mismatch", "account_id", accountID, "session_id", sessionID, "owner_account_id", s.AccountID)
		return false, r.index.Remove(ctx, accountID, sessionID)
	}

	if transitioned {
		r.metrics.SessionsInvalidated.WithLabelValues(s.Reason).Inc()
		r.log.Info("session.invalidate.ok", "account_id", s.AccountID, "session_id", s.ID, "reason", s.Reason)
	}
	return transitioned, r.finish(ctx, s)
}

// finish publishes the terminal event for s and drops its index entry.
func (r *Registry) finish(ctx context.Context, s Session) error {
	if err := r.publishEnded(ctx, s); err != nil {
		return err
	}
	if err := r.index.Remove(ctx, s.AccountID, s.ID); err != nil {
		return fmt.Errorf("session: remove index entry: %w", err)
	}
	r.settle(ctx, s.ID)
	return nil
}

// settle shortens a finished record's lifetime to the grace period. Until then
// the record outlives its index entry, so a retried finish can still publish.
func (r *Registry) settle(ctx context.Context, sessionID string) {
	key := SessionKey(sessionID)
	e, err := r.store.Get(ctx, key)
	if err != nil {
		if !statestore.IsNotFound(err) {
			r.log.Warn("session.settle.fail", "session_id", sessionID, "err", err)
		}
		return
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(r.now().Add(r.cfg.GracePeriod)) {
		return
	}
	_, err = r.store.CompareAndSwap(ctx, key, e.Version, e.Value, r.cfg.GracePeriod)
	if err != nil && !errors.Is(err, statestore.ErrVersionConflict) && !statestore.IsNotFound(err) {
		r.log.Warn("session.settle.fail", "session_id", sessionID, "err", err)
	}
}

// pendingTTL keeps a record that just turned terminal alive for at least its
// remaining lifetime, which covers the index entry written alongside it.
func (r *Registry) pendingTTL(e statestore.Entry, now time.Time) time.Duration {
	if e.ExpiresAt == nil {
		return 0
	}
	if rem := e.ExpiresAt.Sub(now); rem > r.cfg.GracePeriod {
		return rem
	}
	return r.cfg.GracePeriod
}

// transition moves the record from Active to target with a CAS loop. It returns
// the resulting record and whether this call made the change.
func (r *Registry) transition(ctx context.Context, sessionID string, target State, reason string) (Session, bool, error) {
	key := SessionKey(sessionID)
	for range maxCASAttempts {
		e, err := r.store.Get(ctx, key)
		if statestore.IsNotFound(err) {
			return Session{}, false, ErrSessionNotFound
		}
		if err != nil {
			return Session{}, false, fmt.Errorf("session: read record: %w", err)
		}
		s, err := decodeSession(e.Value)
		if err != nil {
			return Session{}, false, err
		}
		if s.Terminal() {
			return s, false, nil
		}

		now := r.now()
		s.State = target
		s.EndedAt = &now
		s.Reason = reason
		raw, err := encodeSession(s)
		if err != nil {
			return Session{}, false, err
		}

		_, err = r.store.CompareAndSwap(ctx, key, e.Version, raw, r.pendingTTL(e, now))
		switch {
		case err == nil:
			return s, true, nil
		case errors.Is(err, statestore.ErrVersionConflict):
			continue
		case statestore.IsNotFound(err):
			return Session{}, false, ErrSessionNotFound
		default:
			return Session{}, false, fmt.Errorf("session: write record: %w", err)
		}
	}
	return Session{}, false, fmt.Errorf("session: %s: %w", sessionID, statestore.ErrVersionConflict)
}

func (r *Registry) publishEnded(ctx context.Context, s Session) error {
	endedAt := r.now()
	if s.EndedAt != nil {
		endedAt = *s.EndedAt
	}
	ev := eventsv1.SessionInvalidated{
		EventID:       eventbus.DeterministicID(eventsv1.TypeSessionInvalidated, s.ID),
		SessionID:     s.ID,
		AccountID:     s.AccountID,
		Reason:        s.Reason,
		InvalidatedAt: endedAt,
	}
	env, err := eventbus.NewEnvelopeWithID(ev.EventID, eventsv1.TypeSessionInvalidated, s.AccountID, ev)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("session: publish %s: %w", eventsv1.TypeSessionInvalidated, err)
	}
	return nil
}

// SweepExpired walks the whole index. Active sessions past their expiry move
// to Expired; entries left behind by terminal or destroyed records are
// finished or dropped. It stops after limit expirations (limit <= 0: no limit)
// and returns how many sessions it expired.
func (r *Registry) SweepExpired(ctx context.Context, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "session.sweep_expired")
	defer span.End()

	var (
		expired int
		errs    []error
		after   string
	)
	for {
		members, next, err := r.index.Scan(ctx, after, indexPageSize)
		if err != nil {
			return expired, errors.Join(append(errs, fmt.Errorf("session: scan index: %w", err))...)
		}

		for _, m := range members {
			if limit > 0 && expired >= limit {
				return expired, errors.Join(errs...)
			}
			ok, err := r.sweepMember(ctx, m)
			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", m.SessionID, err))
				continue
			}
			if ok {
				expired++
			}
		}

		if next == "" {
			break
		}
		after = next
	}

	span.SetAttributes(attribute.Int("sessions.expired", expired))
	return expired, errors.Join(errs...)
}

func (r *Registry) sweepMember(ctx context.Context, m Member) (bool, error) {
	s, err := r.load(ctx, m.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, r.index.Remove(ctx, m.AccountID, m.SessionID)
	}
	if err != nil {
		return false, err
	}
	if s.AccountID != m.AccountID {
		r.log.Error("session.index.mismatch", "account_id", m.AccountID, "session_id", m.SessionID, "owner_account_id", s.AccountID)
		return false, r.index.Remove(ctx, m.AccountID, m.SessionID)
	}

	if s.Terminal() {
		return false, r.finish(ctx, s)
	}
	if s.ActiveAt(r.now()) {
		return false, nil
	}

	s, transitioned, err := r.transition(ctx, s.ID, StateExpired, eventsv1.ReasonExpired)
	if errors.Is(err, ErrSessionNotFound) {
		return false, r.index.Remove(ctx, m.AccountID, m.SessionID)
	}
	if err != nil {
		return false, err
	}
	if transitioned && s.State == StateExpired {
		r.metrics.SessionsExpired.Inc()
		r.log.Info("session.expire.ok", "account_id", s.AccountID, "session_id", s.ID)
	}
	return transitioned && s.State == StateExpired, r.finish(ctx, s)
}

// ValidateSession is the server-authoritative usability check: the record
// exists, is Active and unexpired, is still indexed, and its account has no
// live tombstone.
func (r *Registry) ValidateSession(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !validID(sessionID) {
		return Session{}, ErrSessionNotFound
	}

	s, err := r.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	switch s.State {
	case StateInvalidated:
		return Session{}, ErrSessionInvalidated
	case StateExpired:
		return Session{}, ErrSessionExpired
	}
	if !s.ActiveAt(r.now()) {
		return Session{}, ErrSessionExpired
	}

	if err := r.checkAccount(ctx, s.AccountID); err != nil {
		return Session{}, err
	}

	indexed, err := r.index.Has(ctx, s.AccountID, s.ID)
	if err != nil {
		return Session{}, fmt.Errorf("session: read index: %w", err)
	}
	if !indexed {
		return Session{}, ErrSessionInvalidated
	}
	return s, nil
}

// IssueAccessToken issues a short-lived access token for s, capped at the session expiry.
func (r *Registry) IssueAccessToken(s Session) (string, time.Time, error) {
	if r.tokens == nil {
		return "", time.Time{}, ErrConfig
	}
	return r.tokens.Issue(s.AccountID, s.ID, r.now(), s.ExpiresAt)
}

// ValidateAccessToken verifies token and re-checks the backing session.
func (r *Registry) ValidateAccessToken(ctx context.Context, tok string) (Session, error) {
	if r.tokens == nil {
		return Session{}, ErrInvalidToken
	}
	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > 4096 {
		return Session{}, ErrInvalidToken
	}

	claims, err := r.tokens.Verify(tok, r.now())
	if err != nil {
		return Session{}, err
	}

	s, err := r.ValidateSession(ctx, claims.SessionID)
	if err != nil {
		return Session{}, err
	}
	if s.AccountID != claims.AccountID {
		return Session{}, ErrInvalidToken
	}
	return s, nil
}

func (r *Registry) load(ctx context.Context, sessionID string) (Session, error) {
	e, err := r.store.Get(ctx, SessionKey(sessionID))
	if statestore.IsNotFound(err) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: read record: %w", err)
	}
	return decodeSession(e.Value)
}

func (r *Registry) hashCredential(ref string) (string, error) {
	if r.cfg.RequireTokenHMAC {
		return token.HashCredentialRefRequireHMAC(ref)
	}
	return token.HashCredentialRefHex(ref)
}
