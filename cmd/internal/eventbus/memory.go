package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultMemoryWorkers       = 4
	defaultMemoryRedelivery    = 50 * time.Millisecond
	defaultMemoryTopicRetained = 10_000
)

// MemoryBus is an in-process Bus used in dev mode and tests.
//
// Each (topic, group) pair owns one queue; Subscribe calls with the same group
// compete for it, different groups each receive every envelope. A topic keeps a
// bounded backlog so a group that subscribes late starts from the earliest
// retained envelope, the way a new Kafka consumer group does.
type MemoryBus struct {
	log        *slog.Logger
	workers    int
	redelivery time.Duration
	retained   int

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
	done   chan struct{}
}

type memTopic struct {
	backlog []Envelope
	groups  map[string]*memGroup
}

type memGroup struct {
	mu        sync.Mutex
	queue     []Envelope
	inflight  int
	scheduled int
	notify    chan struct{}
}

// MemoryOption configures MemoryBus.
type MemoryOption func(*MemoryBus)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMemoryWorkers sets the number of workers each Subscribe call runs.
func WithMemoryWorkers(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithRedeliveryDelay sets how long an unacknowledged envelope waits before redelivery.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBus) {
		if d >= 0 {
			b.redelivery = d
		}
	}
}

// NewMemoryBus constructs a MemoryBus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		log:        slog.Default(),
		workers:    defaultMemoryWorkers,
		redelivery: defaultMemoryRedelivery,
		retained:   defaultMemoryTopicRetained,
		topics:     make(map[string]*memTopic),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish enqueues env for every group subscribed to env.Type.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	env.Attempt = 1
	if env.PublishedAt.IsZero() {
		env.PublishedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	t := b.topicLocked(env.Type)
	t.backlog = append(t.backlog, env)
	if over := len(t.backlog) - b.retained; over > 0 {
		t.backlog = append([]Envelope(nil), t.backlog[over:]...)
	}
	for _, g := range t.groups {
		g.push(env)
	}
	return nil
}

// Subscribe consumes topic as a member of group until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	topic = strings.TrimSpace(topic)
	group = strings.TrimSpace(group)
	if topic == "" || group == "" || h == nil {
		return errors.New("eventbus: topic, group and handler are required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	t := b.topicLocked(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{notify: make(chan struct{}, 1)}
		for _, env := range t.backlog {
			g.push(env)
		}
		t.groups[group] = g
	}
	b.mu.Unlock()

	b.log.Info("eventbus.subscribe", "topic", topic, "group", group, "workers", b.workers, "transport", "memory")

	var wg sync.WaitGroup
	wg.Add(b.workers)
	for i := 0; i < b.workers; i++ {
		go func() {
			defer wg.Done()
			b.work(ctx, topic, group, g, h)
		}()
	}
	wg.Wait()

	select {
	case <-b.done:
		return ErrClosed
	default:
		return nil
	}
}

// Pending returns envelopes queued, in flight or awaiting redelivery for (topic, group).
func (b *MemoryBus) Pending(topic, group string) int {
	b.mu.Lock()
	t, ok := b.topics[topic]
	var g *memGroup
	if ok {
		g = t.groups[group]
	}
	b.mu.Unlock()
	if g == nil {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue) + g.inflight + g.scheduled
}

// Close stops all workers. Queued envelopes are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

func (b *MemoryBus) topicLocked(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBus) work(ctx context.Context, topic, group string, g *memGroup, h Handler) {
	for {
		env, ok := g.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-g.notify:
				continue
			}
		}

		err := h(ctx, env)
		if err == nil {
			g.finish()
			continue
		}

		b.log.Warn("eventbus.handler.fail",
			"topic", topic,
			"group", group,
			"event_id", env.ID,
			"attempt", env.Attempt,
			"err", err,
		)
		g.scheduleRedelivery(env, b.redelivery)

		if ctx.Err() != nil {
			return
		}
	}
}

func (g *memGroup) push(env Envelope) {
	g.mu.Lock()
	g.queue = append(g.queue, env)
	g.mu.Unlock()
	g.signal()
}

func (g *memGroup) signal() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *memGroup) pop() (Envelope, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return Envelope{}, false
	}
	env := g.queue[0]
	g.queue = g.queue[1:]
	g.inflight++
	// Wake another worker if more work remains.
	if len(g.queue) > 0 {
		g.signal()
	}
	return env, true
}

func (g *memGroup) finish() {
	g.mu.Lock()
	g.inflight--
	g.mu.Unlock()
}

func (g *memGroup) scheduleRedelivery(env Envelope, delay time.Duration) {
	g.mu.Lock()
	g.inflight--
	g.scheduled++
	g.mu.Unlock()

	env.Attempt++
	time.AfterFunc(delay, func() {
		g.mu.Lock()
		g.scheduled--
		g.queue = append(g.queue, env)
		g.mu.Unlock()
		g.signal()
	})
}
