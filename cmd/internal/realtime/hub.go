package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tether/cmd/internal/metrics"
	v1 "tether/shared/contracts/realtime/v1"
)

// Hub tracks live connections by session id.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	bySession map[string]map[*Client]struct{}
}

// NewHub constructs a Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Hub{
		log:       log,
		metrics:   m,
		bySession: make(map[string]map[*Client]struct{}),
	}
}

// Register adds c to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.bySession[c.SessionID]
	if !ok {
		set = make(map[*Client]struct{})
		h.bySession[c.SessionID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.GatewayConnections.Inc()
}

// Unregister removes c. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.bySession[c.SessionID]
	removed := false
	if ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			removed = true
		}
		if len(set) == 0 {
			delete(h.bySession, c.SessionID)
		}
	}
	h.mu.Unlock()

	if removed {
		h.metrics.GatewayConnections.Dec()
	}
}

// Connections returns the number of live connections for sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// CloseSession sends session_invalidated to every connection bound to
// sessionID and closes them. It returns how many connections it closed; zero
// when none are live here, which makes duplicate invalidations harmless.
func (h *Hub) CloseSession(sessionID, reason string, at time.Time) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.bySession[sessionID]))
	for c := range h.bySession[sessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	payload, _ := json.Marshal(v1.SessionInvalidatedPayload{
		SessionID:     sessionID,
		Reason:        reason,
		InvalidatedAt: at.UTC(),
	})
	env := newEnvelope(v1.TypeSessionInvalidated, payload, time.Now().UTC())

	n := 0
	for _, c := range targets {
		if c.Invalidate(env) {
			n++
		}
	}
	if n > 0 {
		h.metrics.GatewayInvalidatedClose.Add(float64(n))
		h.log.Info("ws.session.invalidated", "session_id", sessionID, "reason", reason, "connections", n)
	}
	return n
}
