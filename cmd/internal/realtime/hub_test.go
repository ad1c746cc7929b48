package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tether/cmd/internal/eventbus"
	"tether/cmd/internal/metrics"
	eventsv1 "tether/shared/contracts/events/v1"
	v1 "tether/shared/contracts/realtime/v1"
)

func TestHub_CloseSessionOnce(t *testing.T) {
	t.Parallel()

	m := metrics.Discard()
	hub := NewHub(discardLogger(), m)

	a := NewClient("acct", "sess-1", 4)
	b := NewClient("acct", "sess-1", 4)
	other := NewClient("acct", "sess-2", 4)
	for _, c := range []*Client{a, b, other} {
		hub.Register(c)
	}
	if got := testutil.ToFloat64(m.GatewayConnections); got != 3 {
		t.Fatalf("connections gauge = %v, want 3", got)
	}

	at := time.Now().UTC()
	if n := hub.CloseSession("sess-1", eventsv1.ReasonLogout, at); n != 2 {
		t.Fatalf("closed %d, want 2", n)
	}
	// A redelivered event finds nothing new to close.
	if n := hub.CloseSession("sess-1", eventsv1.ReasonLogout, at); n != 0 {
		t.Fatalf("duplicate closed %d, want 0", n)
	}
	if n := hub.CloseSession("unknown", eventsv1.ReasonLogout, at); n != 0 {
		t.Fatalf("unknown closed %d, want 0", n)
	}

	select {
	case env := <-a.final:
		var p v1.SessionInvalidatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != v1.TypeSessionInvalidated || p.SessionID != "sess-1" || !p.InvalidatedAt.Equal(at) {
			t.Fatalf("unexpected envelope %+v / %+v", env, p)
		}
	default:
		t.Fatalf("client a got no final envelope")
	}
	select {
	case <-other.final:
		t.Fatalf("unrelated session was invalidated")
	default:
	}

	hub.Unregister(a)
	hub.Unregister(a)
	if got := hub.Connections("sess-1"); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.GatewayInvalidatedClose); got != 2 {
		t.Fatalf("invalidated closes = %v, want 2", got)
	}
}

func TestListener_HandleAlwaysAcks(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger(), nil)
	c := NewClient("acct", "sess-9", 4)
	hub.Register(c)
	l := NewListener(hub, "g", discardLogger())

	bad, err := eventbus.NewEnvelope(eventsv1.TypeSessionInvalidated, "acct", map[string]string{"sessionId": "sess-9"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := l.Handle(t.Context(), bad); err != nil {
		t.Fatalf("invalid payload should be acked: %v", err)
	}
	if hub.Connections("sess-9") != 1 {
		t.Fatalf("invalid payload closed a connection")
	}

	ev := eventsv1.SessionInvalidated{
		EventID:       eventbus.DeterministicID(eventsv1.TypeSessionInvalidated, "sess-9"),
		SessionID:     "sess-9",
		AccountID:     "acct",
		Reason:        eventsv1.ReasonAccountDeleted,
		InvalidatedAt: time.Now().UTC(),
	}
	env, err := eventbus.NewEnvelopeWithID(ev.EventID, eventsv1.TypeSessionInvalidated, "acct", ev)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.Handle(t.Context(), env); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	select {
	case <-c.final:
	default:
		t.Fatalf("connection was not invalidated")
	}
}
