package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerEventID   = "event-id"
	headerEventType = "event-type"

	defaultKafkaWriteTimeout = 5 * time.Second
	defaultKafkaRetryBackoff = 500 * time.Millisecond
)

// KafkaConfig configures KafkaBus.
type KafkaConfig struct {
	Brokers             []string
	WriteTimeout        time.Duration
	// RetryBackoff is the pause before a failed envelope is re-read from the
	// last committed offset.
	RetryBackoff        time.Duration
	// LatestGroupPrefixes names groups that start from the newest offset when
	// they have nothing committed yet. Other groups start from the oldest.
	LatestGroupPrefixes []string
}

func (c KafkaConfig) startOffset(group string) int64 {
	for _, p := range c.LatestGroupPrefixes {
		if p != "" && strings.HasPrefix(group, p) {
			return kafka.LastOffset
		}
	}
	return kafka.FirstOffset
}

// KafkaBus is a Bus backed by Kafka topics (one topic per event type).
//
// Publish keys messages by Envelope.Key so every event of one account lands on
// the same partition. Subscribe commits an offset only after the handler
// succeeds; on failure the reader is closed and re-created, which resumes from
// the last committed offset and redelivers the envelope.
type KafkaBus struct {
	cfg KafkaConfig
	log *slog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewKafkaBus constructs a KafkaBus. Writers are created lazily per topic.
func NewKafkaBus(cfg KafkaConfig, log *slog.Logger) (*KafkaBus, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("eventbus: kafka brokers are required")
	}
	cfg.Brokers = brokers
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultKafkaWriteTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultKafkaRetryBackoff
	}
	if log == nil {
		log = slog.Default()
	}

	return &KafkaBus{
		cfg:     cfg,
		log:     log,
		writers: make(map[string]*kafka.Writer),
	}, nil
}

// Publish writes env to the topic named by env.Type and waits for all in-sync replicas.
func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	env.Attempt = 0
	if env.PublishedAt.IsZero() {
		env.PublishedAt = time.Now().UTC()
	}

	w, err := b.writer(env.Type)
	if err != nil {
		return err
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(env.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(env.ID)},
			{Key: headerEventType, Value: []byte(env.Type)},
		},
		Time: env.PublishedAt,
	}
	if err := w.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("eventbus: kafka publish %s: %w", env.Type, err)
	}
	return nil
}

// Subscribe consumes topic as a member of group until ctx is done.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	topic = strings.TrimSpace(topic)
	group = strings.TrimSpace(group)
	if topic == "" || group == "" || h == nil {
		return errors.New("eventbus: topic, group and handler are required")
	}

	b.log.Info("eventbus.subscribe", "topic", topic, "group", group, "transport", "kafka")

	attempts := make(map[string]int)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if b.isClosed() {
			return ErrClosed
		}

		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     b.cfg.Brokers,
			Topic:       topic,
			GroupID:     group,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     1 * time.Second,
			StartOffset: b.cfg.startOffset(group),
			// CommitInterval 0 commits synchronously in CommitMessages.
		})

		err := b.consume(ctx, r, topic, group, h, attempts)
		_ = r.Close()

		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("eventbus.kafka.reader.restart",
			"topic", topic,
			"group", group,
			"backoff_ms", b.cfg.RetryBackoff.Milliseconds(),
			"err", err,
		)

		t := time.NewTimer(b.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// consume runs until the handler fails, a commit fails, or ctx is done.
func (b *KafkaBus) consume(ctx context.Context, r *kafka.Reader, topic, group string, h Handler, attempts map[string]int) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil || env.Validate() != nil {
			// A message that can never decode would block the partition forever.
			b.log.Error("eventbus.kafka.decode.fail",
				"topic", topic,
				"group", group,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
			if err := r.CommitMessages(ctx, msg); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			continue
		}

		pos := fmt.Sprintf("%d/%d", msg.Partition, msg.Offset)
		attempts[pos]++
		env.Attempt = attempts[pos]

		if err := h(ctx, env); err != nil {
			return fmt.Errorf("handler (event_id=%s attempt=%d): %w", env.ID, env.Attempt, err)
		}
		delete(attempts, pos)

		if err := r.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
}

// Close flushes and closes all writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (b *KafkaBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *KafkaBus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}
