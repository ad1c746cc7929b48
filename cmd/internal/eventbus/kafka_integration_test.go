package eventbus

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Integration tests are enabled when TETHER_KAFKA_BROKERS is set (comma-separated).

func TestKafkaBus_RedeliveryAfterHandlerFailure(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("TETHER_KAFKA_BROKERS"))
	if raw == "" {
		t.Skip("integration test skipped: TETHER_KAFKA_BROKERS is not set")
	}

	bus, err := NewKafkaBus(KafkaConfig{
		Brokers:      strings.Split(raw, ","),
		RetryBackoff: 100 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("new kafka bus: %v", err)
	}
	defer bus.Close()

	topic := "tether-it-" + uuid.NewString()[:8]
	group := "tether-it-" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	env := mustEnvelope(t, topic, "acct-1")
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	acked := make(chan Envelope, 1)
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go func() {
		_ = bus.Subscribe(subCtx, topic, group, func(_ context.Context, got Envelope) error {
			if calls.Add(1) == 1 {
				return errors.New("first attempt fails")
			}
			acked <- got
			return nil
		})
	}()

	select {
	case got := <-acked:
		if got.ID != env.ID {
			t.Fatalf("unexpected id: %s", got.ID)
		}
		if got.Attempt < 2 {
			t.Fatalf("expected redelivery attempt>=2 got=%d", got.Attempt)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for redelivery (calls=%d)", calls.Load())
	}
}

func TestNewKafkaBus_RequiresBrokers(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaBus(KafkaConfig{Brokers: []string{" ", ""}}, nil); err == nil {
		t.Fatalf("expected error for empty brokers")
	}
}
