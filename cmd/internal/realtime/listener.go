package realtime

import (
	"context"
	"log/slog"
	"strings"

	"tether/cmd/internal/eventbus"
	eventsv1 "tether/shared/contracts/events/v1"
)

// Listener consumes session.invalidated and closes matching connections.
//
// Connections are local to a gateway instance, so every instance must see
// every event: Group should be unique per instance.
type Listener struct {
	hub   *Hub
	group string
	log   *slog.Logger
}

// NewListener constructs a Listener for hub within the given consumer group.
func NewListener(hub *Hub, group string, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{hub: hub, group: strings.TrimSpace(group), log: log}
}

// Run blocks until ctx is done or the subscription fails.
func (l *Listener) Run(ctx context.Context, sub eventbus.Subscriber) error {
	l.log.Info("ws.listener.start", "group", l.group)
	return sub.Subscribe(ctx, eventsv1.TypeSessionInvalidated, l.group, l.Handle)
}

// Handle closes connections bound to the invalidated session. It always
// acknowledges: a connection that is not here cannot be closed by retrying.
func (l *Listener) Handle(_ context.Context, env eventbus.Envelope) error {
	var ev eventsv1.SessionInvalidated
	if err := env.Decode(&ev); err != nil {
		l.log.Warn("ws.listener.decode.fail", "event_id", env.ID, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		l.log.Warn("ws.listener.invalid", "event_id", env.ID, "err", err)
		return nil
	}

	n := l.hub.CloseSession(ev.SessionID, ev.Reason, ev.InvalidatedAt)
	l.log.Debug("ws.listener.handled",
		"event_id", ev.EventID,
		"session_id", ev.SessionID,
		"connections", n,
		"attempt", env.Attempt,
	)
	return nil
}
