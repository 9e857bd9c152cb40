// Package exchange is the process-wide registry of live peer connections
// described by spec.md §4.5: one entry per AgentName, a single dispatch
// point for inbound frames, and the synthesised Connected/Disconnected
// control events the router reacts to.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/isambard-sc/openportal/internal/connection"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/wire"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// ControlHandler is invoked whenever a connection is registered or torn
// down, never for ordinary traffic. handler(f) in spec.md terms.
type ControlHandler func(wire.Control)

// Exchange maps AgentName to its live Connection and fans inbound frames
// out to a single registered handler.
type Exchange struct {
	mu    sync.RWMutex
	peers map[identity.AgentName]*connection.Connection

	handlerMu sync.RWMutex
	handler   Handler
	control   ControlHandler
}

// Handler processes one inbound application frame after decryption. Set via
// SetHandler before any connection is registered.
type Handler func(wire.Frame)

// New returns an empty Exchange.
func New() *Exchange {
	return &Exchange{peers: make(map[identity.AgentName]*connection.Connection)}
}

// SetHandler installs the single handler invoked for every inbound Message,
// BoardDelta and JobDelete frame across all connections.
func (e *Exchange) SetHandler(h Handler) {
	e.handlerMu.Lock()
	e.handler = h
	e.handlerMu.Unlock()
}

// SetControlHandler installs the callback invoked when a peer connects or
// disconnects.
func (e *Exchange) SetControlHandler(h ControlHandler) {
	e.handlerMu.Lock()
	e.control = h
	e.handlerMu.Unlock()
}

// Dispatch runs the installed Handler against f. It is exported so the
// Service layer can pass it directly as a connection.Handler when
// constructing each Connection.
func (e *Exchange) Dispatch(f wire.Frame) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h != nil {
		h(f)
	}
}

// Register adds conn under its peer's name, rejecting a duplicate live
// connection to the same name (invariant 4 of spec.md §3). It synthesises a
// Connected control event and starts a goroutine that removes the entry and
// synthesises Disconnected once the connection closes.
func (e *Exchange) Register(conn *connection.Connection) error {
	e.mu.Lock()
	if _, exists := e.peers[conn.PeerName]; exists {
		e.mu.Unlock()
		return fmt.Errorf("exchange: %q already connected: %w", conn.PeerName, xerrors.DuplicateConnection)
	}
	e.peers[conn.PeerName] = conn
	e.mu.Unlock()

	e.handlerMu.RLock()
	control := e.control
	e.handlerMu.RUnlock()
	if control != nil {
		control(wire.Control{Kind: wire.ControlConnected, Agent: conn.PeerName, Type: conn.PeerType})
	}

	go func() {
		<-conn.Done()
		e.mu.Lock()
		if e.peers[conn.PeerName] == conn {
			delete(e.peers, conn.PeerName)
		}
		e.mu.Unlock()

		e.handlerMu.RLock()
		control := e.control
		e.handlerMu.RUnlock()
		if control != nil {
			control(wire.Control{Kind: wire.ControlDisconnected, Agent: conn.PeerName, Type: conn.PeerType})
		}
	}()

	return nil
}

// Unregister forcibly drops name's connection, e.g. when the router decides
// to replace it. It is idempotent.
func (e *Exchange) Unregister(name identity.AgentName) {
	e.mu.Lock()
	conn, ok := e.peers[name]
	if ok {
		delete(e.peers, name)
	}
	e.mu.Unlock()
	if ok {
		conn.Close(nil)
	}
}

// Send looks up frame.Recipient and enqueues frame on that connection's
// outbox, returning NoSuchPeer if no connection is registered under that
// name. The upper layer (Router) is responsible for buffering and retrying
// until the peer appears, per spec.md §4.5.
func (e *Exchange) Send(ctx context.Context, frame wire.Frame) error {
	e.mu.RLock()
	conn, ok := e.peers[frame.Recipient]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("exchange: no connection to %q: %w", frame.Recipient, xerrors.NoSuchPeer)
	}
	return conn.Send(ctx, frame)
}

// Connected reports whether name currently has a live connection.
func (e *Exchange) Connected(name identity.AgentName) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peers[name]
	return ok
}

// Peers returns the names of every currently connected peer.
func (e *Exchange) Peers() []identity.AgentName {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]identity.AgentName, 0, len(e.peers))
	for name := range e.peers {
		names = append(names, name)
	}
	return names
}

// Lookup returns the Connection registered for name, if any. Used by the
// supervisor's watchdog backstop to read each peer connection's idle time.
func (e *Exchange) Lookup(name identity.AgentName) (*connection.Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conn, ok := e.peers[name]
	return conn, ok
}
