package realtime

import (
	"sync"

	v1 "tether/shared/contracts/realtime/v1"
)

// Client represents one authenticated websocket connection.
//
// Send is never closed by the server so concurrent enqueuers cannot panic.
// Invalidate hands the writer a final envelope; the writer sends it and closes
// the connection with a policy-violation status.
type Client struct {
	SessionID string
	AccountID string
	Send      chan v1.Envelope

	final     chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once
	kickOnce  sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(accountID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		AccountID: accountID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		final:     make(chan v1.Envelope, 1),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Invalidate queues the last envelope the connection will carry. Only the
// first call has an effect; it reports whether this call was the one.
func (c *Client) Invalidate(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	first := false
	c.kickOnce.Do(func() {
		first = true
		c.final <- env
	})
	return first
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
