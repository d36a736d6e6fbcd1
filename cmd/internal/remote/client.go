package remote

import (
	"sync"

	v1 "chatsync/shared/contracts/realtime/v1"
)

// relayClient is one connected relay session.
//
// Send is never closed: upstream handlers may still be enqueueing while the connection
// shuts down. done signals the writer and heartbeat goroutines to stop.
type relayClient struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.Mutex
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

func newRelayClient(sessionID string, sendQueueSize int) *relayClient {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &relayClient{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the authenticated user, or "" before hello.
func (c *relayClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *relayClient) setUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Done returns a channel that is closed when the client is shutting down.
func (c *relayClient) Done() <-chan struct{} { return c.done }

// Close signals the client goroutines to stop (idempotent).
func (c *relayClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue offers env without blocking and reports whether it was queued.
func (c *relayClient) Enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
