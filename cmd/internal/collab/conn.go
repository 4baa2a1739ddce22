package collab

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// Conn is the server-side record for one live websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from
//   concurrent broadcasters.
// - done signals goroutines to stop.
// - Close is idempotent.
type Conn struct {
	ID       string
	UserID   string
	Username string
	Send     chan v1.Envelope

	lastSeen  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a connection record with a bounded send queue.
func NewConn(id, userID, username string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	c := &Conn{
		ID:       id,
		UserID:   userID,
		Username: username,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
	c.Touch(time.Now().UTC())
	return c
}

// Touch updates the liveness timestamp.
func (c *Conn) Touch(now time.Time) {
	if c == nil {
		return
	}
	c.lastSeen.Store(now.UnixMilli())
}

// LastSeen returns the time of the most recent inbound activity.
func (c *Conn) LastSeen() time.Time {
	if c == nil {
		return time.Time{}
	}
	return time.UnixMilli(c.lastSeen.Load()).UTC()
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Open reports whether the connection has not been shut down.
func (c *Conn) Open() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
