package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus() *MemoryBus {
	return NewMemoryBus(
		WithMemoryLogger(testLogger()),
		WithMemoryWorkers(2),
		WithRedeliveryDelay(5*time.Millisecond),
	)
}

func mustEnvelope(t *testing.T, typ, key string) Envelope {
	t.Helper()

	env, err := NewEnvelope(typ, key, map[string]string{"k": key})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestMemoryBus_DeliversToSubscriber(t *testing.T) {
	t.Parallel()

	bus := newTestBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Envelope, 1)
	go func() {
		_ = bus.Subscribe(ctx, "account.deleted", "g1", func(_ context.Context, env Envelope) error {
			got <- env
			return nil
		})
	}()

	env := mustEnvelope(t, "account.deleted", "acct-1")
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-got:
		if e.ID != env.ID || e.Attempt != 1 {
			t.Fatalf("unexpected envelope id=%s attempt=%d", e.ID, e.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for delivery")
	}

	waitFor(t, time.Second, func() bool { return bus.Pending("account.deleted", "g1") == 0 })
}

func TestMemoryBus_RedeliversUntilAcked(t *testing.T) {
	t.Parallel()

	bus := newTestBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	go func() {
		_ = bus.Subscribe(ctx, "account.deleted", "g1", func(_ context.Context, env Envelope) error {
			mu.Lock()
			attempts = append(attempts, env.Attempt)
			n := len(attempts)
			mu.Unlock()
			if n < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	if err := bus.Publish(ctx, mustEnvelope(t, "account.deleted", "acct-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	})
	waitFor(t, time.Second, func() bool { return bus.Pending("account.deleted", "g1") == 0 })

	mu.Lock()
	defer mu.Unlock()
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("expected attempt=%d got=%d (all=%v)", i+1, a, attempts)
		}
	}
}

func TestMemoryBus_FanOutAcrossGroups_CompeteWithinGroup(t *testing.T) {
	t.Parallel()

	bus := newTestBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g1, g2 atomic.Int32
	count := func(c *atomic.Int32) Handler {
		return func(context.Context, Envelope) error {
			c.Add(1)
			return nil
		}
	}

	// Two members of g1 compete; g2 gets its own copy.
	go func() { _ = bus.Subscribe(ctx, "session.invalidated", "g1", count(&g1)) }()
	go func() { _ = bus.Subscribe(ctx, "session.invalidated", "g1", count(&g1)) }()
	go func() { _ = bus.Subscribe(ctx, "session.invalidated", "g2", count(&g2)) }()

	// Let the groups register before publishing so both receive everything.
	waitFor(t, time.Second, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		tp, ok := bus.topics["session.invalidated"]
		return ok && len(tp.groups) == 2
	})

	const n = 50
	for i := 0; i < n; i++ {
		if err := bus.Publish(ctx, mustEnvelope(t, "session.invalidated", "acct")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return g1.Load() == n && g2.Load() == n })
}

func TestMemoryBus_LateGroupReadsBacklog(t *testing.T) {
	t.Parallel()

	bus := newTestBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Publish(ctx, mustEnvelope(t, "account.deleted", "acct-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got atomic.Int32
	go func() {
		_ = bus.Subscribe(ctx, "account.deleted", "late", func(context.Context, Envelope) error {
			got.Add(1)
			return nil
		})
	}()

	waitFor(t, time.Second, func() bool { return got.Load() == 1 })
}

func TestMemoryBus_SubscribeReturnsOnCancel(t *testing.T) {
	t.Parallel()

	bus := newTestBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, "account.deleted", "g1", func(context.Context, Envelope) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel got=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribe did not return after cancel")
	}
}

func TestMemoryBus_ClosedAndInvalid(t *testing.T) {
	t.Parallel()

	bus := newTestBus()
	ctx := context.Background()

	if err := bus.Publish(ctx, Envelope{Type: "x"}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope got=%v", err)
	}

	_ = bus.Close()
	if err := bus.Publish(ctx, mustEnvelope(t, "x", "k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed got=%v", err)
	}
	if err := bus.Subscribe(ctx, "x", "g", func(context.Context, Envelope) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed got=%v", err)
	}
}

func TestDeterministicID_Stable(t *testing.T) {
	t.Parallel()

	a := DeterministicID("account.deleted", "acct-1")
	b := DeterministicID("account.deleted", "acct-1")
	c := DeterministicID("account.deleted", "acct-2")
	d := DeterministicID("session.invalidated", "acct-1")

	if a != b {
		t.Fatalf("expected stable id: %s != %s", a, b)
	}
	if a == c || a == d {
		t.Fatalf("expected distinct ids for distinct names")
	}
}

func TestEnvelope_Decode(t *testing.T) {
	t.Parallel()

	env := mustEnvelope(t, "x", "acct-9")
	var out map[string]string
	if err := env.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["k"] != "acct-9" {
		t.Fatalf("unexpected payload: %v", out)
	}

	env.Payload = []byte("{not json")
	if err := env.Decode(&out); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope got=%v", err)
	}
}
