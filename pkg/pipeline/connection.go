package pipeline

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Connection is the state of one accepted client socket for its whole life in
// the pipeline.
//
// A Connection is held by exactly one stage at a time: it sits in one stage's
// queue (or wait set) or is being processed by one of that stage's workers.
// Only the holder touches its streams and flags, so there is no
// per-connection lock. Hand-off between stages goes through Stage.SchedAdd.
type Connection struct {
	id       uint64
	sock     Socket
	peer     net.Addr
	pipeline *Pipeline
	created  time.Time

	in  InputStream
	out OutputStream

	// active means the handler expects more input on this connection.
	active bool
	// corked means output is being coalesced for a later drain by write-back.
	corked bool
	// closing means the connection is on its way to RecycleStage.
	closing bool

	// holders counts stages currently holding the connection, queued or
	// processing. Anything above one is an ownership violation.
	holders atomic.Int32
	owner   atomic.Pointer[string]
}

// ID returns the connection's stable identifier.
func (c *Connection) ID() uint64 { return c.id }

// Peer returns the remote address, or nil if unknown.
func (c *Connection) Peer() net.Addr { return c.peer }

// Socket returns the underlying socket.
func (c *Connection) Socket() Socket { return c.sock }

// In returns the input stream.
func (c *Connection) In() *InputStream { return &c.in }

// Out returns the output stream.
func (c *Connection) Out() *OutputStream { return &c.out }

// Active reports whether more input is expected.
func (c *Connection) Active() bool { return c.active }

// Corked reports whether output is waiting on write-back.
func (c *Connection) Corked() bool { return c.corked }

// Closing reports whether the connection has been routed to recycling.
func (c *Connection) Closing() bool { return c.closing }

// Age returns the time since the connection was created.
func (c *Connection) Age() time.Duration { return time.Since(c.created) }

func (c *Connection) String() string {
	if c.peer == nil {
		return fmt.Sprintf("conn#%d", c.id)
	}
	return fmt.Sprintf("conn#%d(%s)", c.id, c.peer)
}

// setCork marks pending output for asynchronous drain.
func (c *Connection) setCork() { c.corked = true }

// uncork clears the cork flag once the output stream is empty.
func (c *Connection) uncork() { c.corked = false }

// activeClose stops reading. Pending output is still drained before the
// connection is destroyed.
func (c *Connection) activeClose() {
	c.active = false
}

// markClosing routes the connection towards RecycleStage.
func (c *Connection) markClosing() {
	c.active = false
	c.closing = true
}

// acquire records that stage now holds the connection. It returns false if
// another stage still held it.
func (c *Connection) acquire(stage string) bool {
	if c.holders.Add(1) != 1 {
		return false
	}
	c.owner.Store(&stage)
	return true
}

// release drops the current stage's hold.
func (c *Connection) release() {
	c.owner.Store(nil)
	c.holders.Add(-1)
}

// Owner returns the name of the stage holding the connection, or "" when it
// is between stages.
func (c *Connection) Owner() string {
	if name := c.owner.Load(); name != nil {
		return *name
	}
	return ""
}

// destroy closes the socket and releases stream storage. Only RecycleStage
// calls it, through Pipeline.destroy.
func (c *Connection) destroy() error {
	c.in.Reset()
	c.out.Reset()
	c.corked = false
	c.active = false
	c.closing = true
	if err := c.sock.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c, err)
	}
	return nil
}
