// Package connection wraps one handshaked websocket in the steady-state
// double-encryption envelope described by spec.md §4.4: bounded outbox and
// inbox queues, a read pump and a write pump (grounded on this codebase's
// existing readPump/writePump split for gorilla/websocket connections),
// idle keepalives, and a liveness watchdog that forces the connection
// closed when the peer goes quiet.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isambard-sc/openportal/internal/handshake"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/wire"
	"github.com/isambard-sc/openportal/internal/xcrypto"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

const (
	// DefaultKeepaliveIdle is K from spec.md §4.4: the outbox must have
	// been quiet this long before a Keepalive control frame is enqueued.
	DefaultKeepaliveIdle = 30 * time.Second

	// DefaultWatchdogPeriod is W from spec.md §4.4: how often the
	// liveness ticker checks now - last_activity against itself. Must be
	// greater than DefaultKeepaliveIdle so a peer has time to respond.
	DefaultWatchdogPeriod = 5 * time.Minute

	writeWait      = 10 * time.Second
	outboxCapacity = 256

	// maxFrameSize caps one inbound websocket message; a larger one is
	// rejected as Malformed and closes the connection.
	maxFrameSize = 1 << 20
)

// wsConn is the websocket surface Connection needs, letting tests substitute
// an in-memory double the same way the handshake package does.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler processes one inbound application frame (Message, BoardDelta or
// JobDelete) after decryption. Keepalive and Disconnect frames never reach it. Per
// spec.md §4.5 handlers run off the read pump and must not block it.
type Handler func(wire.Frame)

// Connection is one peer connection, live from a successful handshake until
// a transport error, a Disconnect frame, or a watchdog breach closes it.
// None of its internal errors propagate to Handler; the supervising Service
// observes Done/Err and re-establishes the connection.
type Connection struct {
	conn wsConn

	localName    identity.AgentName
	PeerName     identity.AgentName
	PeerType     identity.AgentType
	AcceptedZone identity.Zone

	keys handshake.SessionKeys

	keepaliveIdle  time.Duration
	watchdogPeriod time.Duration

	outbox  chan wire.Frame
	handler Handler

	mu               sync.Mutex
	lastActivity     time.Time
	lastSend         time.Time
	pendingKeepalive bool
	closeErr         error

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps conn, already past the handshake described by res, in a
// Connection ready to Run. localName is this agent's own name, used only
// for diagnostics since every frame already carries sender/recipient.
func New(conn wsConn, localName identity.AgentName, res handshake.Result, handler Handler) *Connection {
	now := time.Now()
	return &Connection{
		conn:           conn,
		localName:      localName,
		PeerName:       res.PeerName,
		PeerType:       res.PeerType,
		AcceptedZone:   res.AcceptedZone,
		keys:           res.Keys,
		keepaliveIdle:  DefaultKeepaliveIdle,
		watchdogPeriod: DefaultWatchdogPeriod,
		outbox:         make(chan wire.Frame, outboxCapacity),
		handler:        handler,
		lastActivity:   now,
		lastSend:       now,
		done:           make(chan struct{}),
	}
}

// Done returns a channel closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil if it is still live
// or closed cleanly via Close(nil).
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Idle reports how long it has been since any frame was read from this
// connection, for the supervisor's independent watchdog tick (a coarser,
// process-wide backstop alongside this Connection's own watchdog
// goroutine).
func (c *Connection) Idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Send enqueues frame for transmission, blocking if the outbox is full
// until ctx is cancelled or the connection closes.
func (c *Connection) Send(ctx context.Context, frame wire.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection: send to %q: %w", c.PeerName, xerrors.PeerGone)
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("connection: send to %q: %w", c.PeerName, xerrors.PeerGone)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down, recording reason (nil for a clean,
// caller-initiated close) so the supervising Service can log why.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

// Run starts the write pump and watchdog in the background and blocks in
// the read pump until the connection closes. Callers invoke it in its own
// goroutine per connection.
func (c *Connection) Run() {
	go c.writePump()
	go c.watchdog()
	c.readPump()
}

func (c *Connection) readPump() {
	defer c.Close(c.Err())
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAndClose(fmt.Errorf("connection: read from %q: %w: %w", c.PeerName, err, xerrors.Transport))
			return
		}
		if len(data) > maxFrameSize {
			c.failAndClose(fmt.Errorf("connection: %d-byte frame from %q exceeds %d bytes: %w", len(data), c.PeerName, maxFrameSize, xerrors.Malformed))
			return
		}

		var frame wire.Frame
		if err := xcrypto.Open(c.keys.Outer, c.keys.Inner, xcrypto.HexString(data), &frame); err != nil {
			c.failAndClose(fmt.Errorf("connection: open frame from %q: %w: %w", c.PeerName, err, xerrors.Crypto))
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.pendingKeepalive = false
		c.mu.Unlock()

		switch frame.Kind {
		case wire.KindKeepalive:
			// Receipt alone counts as the peer's response; nothing to echo.
		case wire.KindDisconnect:
			c.failAndClose(fmt.Errorf("connection: %q sent disconnect: %w", c.PeerName, xerrors.PeerGone))
			return
		case wire.KindMessage, wire.KindBoardDelta, wire.KindJobDelete:
			if c.handler != nil {
				go c.handler(frame)
			}
		default:
			c.failAndClose(fmt.Errorf("connection: %q sent unknown frame kind %q: %w", c.PeerName, frame.Kind, xerrors.Malformed))
			return
		}
	}
}

func (c *Connection) writePump() {
	keepaliveTicker := time.NewTicker(c.keepaliveIdle)
	defer keepaliveTicker.Stop()

	for {
		select {
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.write(frame); err != nil {
				c.failAndClose(err)
				return
			}
			c.mu.Lock()
			c.lastSend = time.Now()
			c.mu.Unlock()

		case <-keepaliveTicker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSend) >= c.keepaliveIdle
			alreadyPending := c.pendingKeepalive
			if idle && !alreadyPending {
				c.pendingKeepalive = true
			}
			c.mu.Unlock()
			if idle && !alreadyPending {
				if err := c.write(wire.NewKeepaliveFrame(c.localName, c.PeerName)); err != nil {
					c.failAndClose(err)
					return
				}
				c.mu.Lock()
				c.lastSend = time.Now()
				c.mu.Unlock()
			}

		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(frame wire.Frame) error {
	ct, err := xcrypto.Envelope(c.keys.Outer, c.keys.Inner, frame)
	if err != nil {
		return fmt.Errorf("connection: envelope frame to %q: %w", c.PeerName, err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("connection: set write deadline for %q: %w", c.PeerName, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(ct)); err != nil {
		return fmt.Errorf("connection: write to %q: %w: %w", c.PeerName, err, xerrors.Transport)
	}
	return nil
}

// watchdog forces the connection closed once it has been quiet for longer
// than watchdogPeriod, independent of whatever keepalive traffic may or may
// not have been exchanged in between — per spec.md §4.4 this holds even if
// keepalives were recently sent but never answered.
func (c *Connection) watchdog() {
	ticker := time.NewTicker(c.watchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			quiet := time.Since(c.lastActivity)
			c.mu.Unlock()
			if quiet >= c.watchdogPeriod {
				c.failAndClose(fmt.Errorf("connection: %q quiet for %s: %w", c.PeerName, quiet, xerrors.PeerGone))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) failAndClose(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.Close(err)
}
