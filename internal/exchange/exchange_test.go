package exchange_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/connection"
	"github.com/isambard-sc/openportal/internal/exchange"
	"github.com/isambard-sc/openportal/internal/handshake"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/wire"
	"github.com/isambard-sc/openportal/internal/xcrypto"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// nullConn is a wsConn that never produces inbound data and discards
// writes; enough to exercise Exchange registration and lookup without a
// real socket or the connection package's own read/write pumps mattering.
type nullConn struct {
	mu     sync.Mutex
	closed bool
	block  chan struct{}
}

func newNullConn() *nullConn {
	return &nullConn{block: make(chan struct{})}
}

func (n *nullConn) WriteMessage(int, []byte) error { return nil }

func (n *nullConn) ReadMessage() (int, []byte, error) {
	<-n.block
	return 0, nil, errNullConnClosed
}

func (n *nullConn) SetReadDeadline(time.Time) error  { return nil }
func (n *nullConn) SetWriteDeadline(time.Time) error { return nil }

func (n *nullConn) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.block)
	}
	return nil
}

type nullConnClosedErr struct{}

func (nullConnClosedErr) Error() string { return "null connection closed" }

var errNullConnClosed error = nullConnClosedErr{}

func newTestConnection(t *testing.T, peer identity.AgentName, handler connection.Handler) (*connection.Connection, *nullConn) {
	t.Helper()
	outer, err := xcrypto.Generate()
	require.NoError(t, err)
	inner, err := xcrypto.Generate()
	require.NoError(t, err)
	conn := newNullConn()
	c := connection.New(conn, "local", handshake.Result{
		Keys:     handshake.SessionKeys{Outer: outer, Inner: inner},
		PeerName: peer,
		PeerType: identity.TypePortal,
	}, handler)
	return c, conn
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	ex := exchange.New()
	c1, conn1 := newTestConnection(t, "brics", nil)
	defer conn1.Close()
	require.NoError(t, ex.Register(c1))

	c2, conn2 := newTestConnection(t, "brics", nil)
	defer conn2.Close()
	err := ex.Register(c2)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.DuplicateConnection)
}

func TestSendUnknownPeerFails(t *testing.T) {
	ex := exchange.New()
	frame, err := wire.NewMessageFrame("a", "ghost", "hi")
	require.NoError(t, err)

	err = ex.Send(context.Background(), frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.NoSuchPeer)
}

func TestControlHandlerFiresOnRegisterAndDisconnect(t *testing.T) {
	ex := exchange.New()
	events := make(chan wire.Control, 4)
	ex.SetControlHandler(func(c wire.Control) { events <- c })

	c, conn := newTestConnection(t, "brics", nil)
	require.NoError(t, ex.Register(c))

	select {
	case ev := <-events:
		assert.Equal(t, wire.ControlConnected, ev.Kind)
		assert.Equal(t, identity.AgentName("brics"), ev.Agent)
	case <-time.After(time.Second):
		t.Fatal("no Connected event observed")
	}

	go c.Run()
	conn.Close()

	select {
	case ev := <-events:
		assert.Equal(t, wire.ControlDisconnected, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no Disconnected event observed")
	}

	assert.False(t, ex.Connected("brics"))
}

func TestUnregisterClosesConnection(t *testing.T) {
	ex := exchange.New()
	c, conn := newTestConnection(t, "brics", nil)
	require.NoError(t, ex.Register(c))
	defer conn.Close()

	ex.Unregister("brics")

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection was not closed by Unregister")
	}
	assert.False(t, ex.Connected("brics"))
}
