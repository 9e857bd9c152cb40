package handshake

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/invitation"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// pipeConn is an in-memory wsConn used to test the handshake message flow
// without a real socket. Each end reads what the other end wrote.
type pipeConn struct {
	out chan []byte
	in  chan []byte
}

func newPipe() (client, server *pipeConn) {
	a := make(chan []byte, 4)
	b := make(chan []byte, 4)
	return &pipeConn{out: a, in: b}, &pipeConn{out: b, in: a}
}

func (p *pipeConn) WriteMessage(messageType int, data []byte) error {
	cp := append([]byte(nil), data...)
	p.out <- cp
	return nil
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	data := <-p.in
	return 1, data, nil
}

func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestHandshakeHappyPath(t *testing.T) {
	registry := invitation.NewRegistry()
	inv, err := registry.Issue("portal", "wss://portal.example/", "brics", "10.0.0.0/24", "zone-a")
	require.NoError(t, err)

	clientConn, serverConn := newPipe()

	serverDone := make(chan Result, 1)
	serverErr := make(chan error, 1)
	go func() {
		deps := ServerDeps{
			Invitations:    registry,
			LocalName:      "portal",
			LocalType:      identity.TypePortal,
			LocalZones:     identity.NewZoneSet("zone-a", "zone-b"),
			MinAgentEngine: 1,
		}
		res, err := RunServer(serverConn, netip.MustParseAddr("10.0.0.5"), deps, "brics")
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- res
	}()

	clientRes, err := RunClient(clientConn, inv, identity.NewZoneSet("zone-a"), 1, 1)
	require.NoError(t, err)

	select {
	case err := <-serverErr:
		t.Fatalf("server handshake failed: %v", err)
	case serverRes := <-serverDone:
		assert.Equal(t, identity.Zone("zone-a"), clientRes.AcceptedZone)
		assert.Equal(t, identity.Zone("zone-a"), serverRes.AcceptedZone)
		assert.Equal(t, identity.AgentName("portal"), clientRes.PeerName)
		assert.Equal(t, identity.AgentName("brics"), serverRes.PeerName)
		assert.Equal(t, clientRes.Keys.Outer, serverRes.Keys.Outer)
		assert.Equal(t, clientRes.Keys.Inner, serverRes.Keys.Inner)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestHandshakeRejectsOutOfRangeIP(t *testing.T) {
	registry := invitation.NewRegistry()
	_, err := registry.Issue("portal", "wss://portal.example/", "brics", "10.0.0.0/24", "zone-a")
	require.NoError(t, err)

	_, serverConn := newPipe()
	deps := ServerDeps{
		Invitations:    registry,
		LocalName:      "portal",
		LocalType:      identity.TypePortal,
		LocalZones:     identity.NewZoneSet("zone-a"),
		MinAgentEngine: 1,
	}
	_, err = RunServer(serverConn, netip.MustParseAddr("203.0.113.1"), deps, "brics")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Auth)
}

func TestHandshakeRejectsDuplicateConnection(t *testing.T) {
	registry := invitation.NewRegistry()
	_, err := registry.Issue("portal", "wss://portal.example/", "brics", "", "zone-a")
	require.NoError(t, err)

	_, serverConn := newPipe()
	deps := ServerDeps{
		Invitations:    registry,
		LocalName:      "portal",
		LocalType:      identity.TypePortal,
		LocalZones:     identity.NewZoneSet("zone-a"),
		MinAgentEngine: 1,
		HasConnection:  func(identity.AgentName) bool { return true },
	}
	_, err = RunServer(serverConn, netip.MustParseAddr("10.0.0.5"), deps, "brics")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.DuplicateConnection)
}

func TestHandshakeRejectsNoZoneOverlap(t *testing.T) {
	registry := invitation.NewRegistry()
	inv, err := registry.Issue("portal", "wss://portal.example/", "brics", "", "zone-a")
	require.NoError(t, err)

	clientConn, serverConn := newPipe()
	serverErr := make(chan error, 1)
	go func() {
		deps := ServerDeps{
			Invitations:    registry,
			LocalName:      "portal",
			LocalType:      identity.TypePortal,
			LocalZones:     identity.NewZoneSet("zone-b"),
			MinAgentEngine: 1,
		}
		_, err := RunServer(serverConn, netip.MustParseAddr("10.0.0.5"), deps, "brics")
		serverErr <- err
	}()

	// The server rejects before ever writing a welcome message, so a
	// synchronous client call would block forever on recv; run it in the
	// background and only check what the server observed. The real
	// transport's read deadline is what eventually unblocks a client stuck
	// like this in production, not exercised by this in-memory pipe.
	go func() {
		_, _ = RunClient(clientConn, inv, identity.NewZoneSet("zone-a"), 1, 1)
	}()

	select {
	case err := <-serverErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, xerrors.Zone)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not complete")
	}
}

func TestHandshakeRejectsMissingInvitation(t *testing.T) {
	registry := invitation.NewRegistry()
	_, serverConn := newPipe()
	deps := ServerDeps{
		Invitations:    registry,
		LocalName:      "portal",
		LocalType:      identity.TypePortal,
		LocalZones:     identity.NewZoneSet("zone-a"),
		MinAgentEngine: 1,
	}
	_, err := RunServer(serverConn, netip.MustParseAddr("10.0.0.5"), deps, "unknown-client")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Auth)
}
