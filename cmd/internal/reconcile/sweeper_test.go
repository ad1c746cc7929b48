package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/statestore"
	eventsv1 "tether/shared/contracts/events/v1"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []eventbus.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env eventbus.Envelope) error {
	p.mu.Lock()
	p.envs = append(p.envs, env)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

type sweepHarness struct {
	store      *statestore.MemoryStore
	tombstones *Tombstones
	reg        *session.Registry
	sweeper    *Sweeper
	pub        *recordingPublisher
	metrics    *metrics.Metrics
	clock      *clock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()

	c := newClock()
	store := statestore.NewMemoryStore(statestore.WithClock(c.Now))
	cfg := DefaultConfig()

	tombstones, err := NewTombstones(store, cfg.TombstoneTTL)
	if err != nil {
		t.Fatalf("tombstones: %v", err)
	}

	scfg := session.DefaultConfig()
	scfg.SessionTTL = time.Hour
	scfg.AccessTokenTTL = time.Minute
	scfg.GracePeriod = time.Minute
	scfg.IndexWriteBackoff = time.Millisecond

	pub := &recordingPublisher{}
	m := metrics.Discard()
	reg, err := session.NewRegistry(scfg, store, tombstones, pub,
		session.WithLogger(discardLogger()),
		session.WithMetrics(m),
		session.WithClock(c.Now),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	sw, err := NewSweeper(cfg, tombstones, reg,
		WithSweeperLogger(discardLogger()),
		WithSweeperMetrics(m),
		WithPurgeStore(store),
	)
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}

	return &sweepHarness{
		store:      store,
		tombstones: tombstones,
		reg:        reg,
		sweeper:    sw,
		pub:        pub,
		metrics:    m,
		clock:      c,
	}
}

func TestSweepOnce_HealsCascadeThatNeverRan(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ctx := context.Background()

	s1, err := h.reg.CreateSession(ctx, "acct-a", "cred-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, err := h.reg.CreateSession(ctx, "acct-a", "cred-2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := h.reg.CreateSession(ctx, "acct-b", "cred-3")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The cascade wrote the tombstone and then died; the event is never redelivered.
	if _, err := h.tombstones.WriteTombstone(ctx, "acct-a", h.clock.Now(), "evt-lost"); err != nil {
		t.Fatalf("write tombstone: %v", err)
	}

	rep, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Tombstones != 1 || rep.Healed != 2 {
		t.Fatalf("report = %+v, want 1 tombstone and 2 healed", rep)
	}

	for _, id := range []string{s1.ID, s2.ID} {
		got, err := h.reg.Lookup(ctx, id)
		if err != nil {
			t.Fatalf("lookup %s: %v", id, err)
		}
		if got.State != session.StateInvalidated || got.Reason != eventsv1.ReasonAccountDeletedSweep {
			t.Fatalf("session %s = %s/%s, want invalidated by sweep", id, got.State, got.Reason)
		}
	}
	if got, err := h.reg.Lookup(ctx, other.ID); err != nil || got.State != session.StateActive {
		t.Fatalf("unrelated session = %+v, %v; want active", got, err)
	}
	if _, err := h.reg.GetSessionsForAccount(ctx, "acct-a"); !errors.Is(err, session.ErrAccountGone) {
		t.Fatalf("expected ErrAccountGone, got %v", err)
	}
	if got := h.pub.count(); got != 2 {
		t.Fatalf("published %d invalidations, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.ReconcileHealed); got != 2 {
		t.Fatalf("healed counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.TombstonesActive); got != 1 {
		t.Fatalf("tombstones gauge = %v, want 1", got)
	}

	// A second pass finds nothing left to heal.
	rep, err = h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if rep.Healed != 0 {
		t.Fatalf("second sweep healed %d, want 0", rep.Healed)
	}
}

func TestSweepOnce_ExpiresOverdueSessions(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ctx := context.Background()

	s, err := h.reg.CreateSession(ctx, "acct-c", "cred")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.clock.Advance(time.Hour + time.Second)

	rep, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Expired != 1 {
		t.Fatalf("expired = %d, want 1", rep.Expired)
	}

	got, err := h.reg.Lookup(ctx, s.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.State != session.StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}
	ok, err := h.reg.Index().Has(ctx, "acct-c", s.ID)
	if err != nil || ok {
		t.Fatalf("index entry left behind: ok=%v err=%v", ok, err)
	}
}

func TestSweepOnce_PurgesExpiredTombstones(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ctx := context.Background()

	if _, err := h.tombstones.WriteTombstone(ctx, "acct-d", h.clock.Now(), ""); err != nil {
		t.Fatalf("write tombstone: %v", err)
	}
	h.clock.Advance(h.tombstones.TTL() + time.Second)

	rep, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Tombstones != 0 || rep.Purged != 1 {
		t.Fatalf("report = %+v, want 0 tombstones and 1 purged", rep)
	}
}

type failingInvalidator struct{}

func (failingInvalidator) InvalidateAllForAccount(context.Context, string, string) (int, error) {
	return 0, errors.New("store down")
}

func (failingInvalidator) SweepExpired(context.Context, int) (int, error) { return 0, nil }

func TestSweepOnce_ReportsFailures(t *testing.T) {
	t.Parallel()

	ts, _, c := newTestTombstones(t, time.Hour)
	cfg := DefaultConfig()
	cfg.TombstoneTTL = time.Hour
	cfg.MaxRedelivery = 30 * time.Minute

	m := metrics.Discard()
	sw, err := NewSweeper(cfg, ts, failingInvalidator{}, WithSweeperLogger(discardLogger()), WithSweeperMetrics(m))
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	if _, err := ts.WriteTombstone(context.Background(), "acct-e", c.Now(), ""); err != nil {
		t.Fatalf("write tombstone: %v", err)
	}

	if _, err := sw.SweepOnce(context.Background()); err == nil {
		t.Fatalf("expected sweep error")
	}
	if got := testutil.ToFloat64(m.ReconcileSweeps.WithLabelValues(metrics.ResultFailed)); got != 1 {
		t.Fatalf("failed sweeps = %v, want 1", got)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newSweepHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.sweeper.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
