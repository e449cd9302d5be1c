package collab

import (
	"sync"
	"sync/atomic"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

// Client is the per-connection receive handle for session broadcasts and
// direct replies. One client exists per websocket connection; subscribing a
// client to a session channel routes broadcasts into the same Send queue
// the connection handler already drains.
//
// Design notes:
//   - Send is intentionally NOT closed by the server so concurrent
//     broadcasters can never panic on a closed channel.
//   - done signals the connection's goroutines to stop; Close is idempotent.
//   - missed latches when a broadcast is dropped under backpressure; the
//     writer drains it and notifies the client instead of blocking publishers.
type Client struct {
	ConnectionID string
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
	missed    atomic.Bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// markMissed latches the missed-events flag.
func (c *Client) markMissed() {
	if c != nil {
		c.missed.Store(true)
	}
}

// TakeMissed reports and clears the missed-events flag.
func (c *Client) TakeMissed() bool {
	if c == nil {
		return false
	}
	return c.missed.Swap(false)
}
