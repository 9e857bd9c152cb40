// Package handshake implements the four-message mutual-authentication
// sequence of spec.md §4.3, driven by the client over a raw websocket
// connection before it is handed to the connection package to be wrapped
// in the steady-state double-encryption envelope.
package handshake

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/invitation"
	"github.com/isambard-sc/openportal/internal/xcrypto"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// ProtocolVersion is this build's transport-layer handshake version.
// Bumped whenever the wire shape of clientHello/serverWelcome changes.
const ProtocolVersion = 1

// MinProtocolVersion is the oldest transport-layer version this build will
// accept from a peer.
const MinProtocolVersion = 1

// stepDeadline bounds each of the four handshake round-trip steps so a stalled
// or hostile peer cannot block a goroutine indefinitely.
const stepDeadline = 10 * time.Second

// clientHello is handshake message 1, encrypted under the invitation's
// outer then inner key before transmission.
type clientHello struct {
	ClientName          identity.AgentName `json:"client_name"`
	ClientSessionKey    xcrypto.Key        `json:"client_session_key"`
	ProtocolVersion     int                `json:"protocol_version"`
	AgentEngineVersion  int                `json:"agent_engine_version"`
	Zones               []identity.Zone    `json:"zones"`
}

// serverWelcome is handshake message 3, encrypted under the invitation's
// outer key then the client's fresh session key.
type serverWelcome struct {
	ServerName          identity.AgentName `json:"server_name"`
	ServerSessionKey    xcrypto.Key        `json:"server_session_key"`
	ProtocolVersion     int                `json:"protocol_version"`
	AgentEngineVersion  int                `json:"agent_engine_version"`
	AgentType           identity.AgentType `json:"agent_type"`
	AcceptedZone        identity.Zone      `json:"accepted_zone"`
}

// SessionKeys are the pair retained by both sides after a successful
// handshake, replacing the invitation keys for every subsequent envelope:
// Outer is the server's fresh key, Inner is the client's fresh key.
type SessionKeys struct {
	Outer xcrypto.Key
	Inner xcrypto.Key
}

// Result carries everything the caller learns from a successful handshake.
type Result struct {
	Keys         SessionKeys
	PeerName     identity.AgentName
	PeerType     identity.AgentType
	AcceptedZone identity.Zone
}

// wsConn is the minimal gorilla/websocket surface the handshake needs,
// allowing tests to substitute an in-memory pipe.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func send(conn wsConn, ct xcrypto.HexString) error {
	if err := conn.SetWriteDeadline(time.Now().Add(stepDeadline)); err != nil {
		return fmt.Errorf("handshake: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ct)); err != nil {
		return fmt.Errorf("handshake: write: %w: %w", err, xerrors.Transport)
	}
	return nil
}

func recv(conn wsConn) (xcrypto.HexString, error) {
	if err := conn.SetReadDeadline(time.Now().Add(stepDeadline)); err != nil {
		return "", fmt.Errorf("handshake: set read deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("handshake: read: %w: %w", err, xerrors.Transport)
	}
	return xcrypto.HexString(data), nil
}

// RunClient drives the handshake as the client (message 1 and 4 of
// spec.md §4.3). localZones is this agent's zone set. minAgentEngine is
// the lowest agent-engine version this build will accept from the server.
func RunClient(conn wsConn, inv invitation.Invitation, localZones identity.ZoneSet, agentEngineVersion, minAgentEngine int) (Result, error) {
	clientKey, err := xcrypto.Generate()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: generate client session key: %w", err)
	}

	zones := make([]identity.Zone, 0, len(localZones))
	for z := range localZones {
		zones = append(zones, z)
	}

	hello := clientHello{
		ClientName:         inv.ClientName,
		ClientSessionKey:   clientKey,
		ProtocolVersion:    ProtocolVersion,
		AgentEngineVersion: agentEngineVersion,
		Zones:              zones,
	}

	ct, err := xcrypto.Envelope(inv.OuterKey, inv.InnerKey, hello)
	if err != nil {
		return Result{}, fmt.Errorf("handshake: envelope hello: %w", err)
	}
	if err := send(conn, ct); err != nil {
		return Result{}, err
	}

	// Message 3: server -> client, encrypted under outer_inv then the
	// client's own fresh session key.
	welcomeCt, err := recv(conn)
	if err != nil {
		return Result{}, err
	}

	var welcome serverWelcome
	if err := xcrypto.Open(inv.OuterKey, clientKey, welcomeCt, &welcome); err != nil {
		return Result{}, fmt.Errorf("handshake: open welcome: %w: %w", err, xerrors.Crypto)
	}

	if welcome.ServerName != inv.ServerName {
		return Result{}, fmt.Errorf("handshake: server name mismatch: got %q want %q: %w", welcome.ServerName, inv.ServerName, xerrors.Auth)
	}
	if welcome.ProtocolVersion < MinProtocolVersion {
		return Result{}, fmt.Errorf("handshake: server protocol version %d below minimum %d: %w", welcome.ProtocolVersion, MinProtocolVersion, xerrors.HandshakeVersion)
	}
	if welcome.AgentEngineVersion < minAgentEngine {
		return Result{}, fmt.Errorf("handshake: server agent engine version %d below minimum %d: %w", welcome.AgentEngineVersion, minAgentEngine, xerrors.HandshakeVersion)
	}
	if welcome.AcceptedZone == "" || !localZones.Contains(welcome.AcceptedZone) {
		return Result{}, fmt.Errorf("handshake: accepted zone %q not shared: %w", welcome.AcceptedZone, xerrors.Zone)
	}

	return Result{
		Keys:         SessionKeys{Outer: welcome.ServerSessionKey, Inner: clientKey},
		PeerName:     welcome.ServerName,
		PeerType:     welcome.AgentType,
		AcceptedZone: welcome.AcceptedZone,
	}, nil
}

// ServerDeps bundles what RunServer needs from the surrounding agent to
// check the three rejection conditions of spec.md §4.3 step 2 before it
// will decrypt anything.
type ServerDeps struct {
	Invitations   *invitation.Registry
	LocalName     identity.AgentName
	LocalType     identity.AgentType
	LocalZones    identity.ZoneSet
	MinAgentEngine int
	// HasConnection reports whether a live connection to name already
	// exists, enforcing invariant 4 (no two connections to the same peer).
	HasConnection func(name identity.AgentName) bool
}

// RunServer drives the handshake as the server (message 2 and 3 of
// spec.md §4.3). peerAddr is the remote socket's address, checked against
// the invitation's allowed range. Any failure closes the connection without
// explanation, per spec — RunServer simply returns an error and the caller
// is responsible for closing the socket without writing a response.
//
// Selecting *which* invitation's keys to attempt decryption with requires
// knowing the claimed client name before message 1 is decrypted; this
// implementation has the inbound listener (see the service package) demux
// on a "client" query parameter carried by the websocket upgrade request,
// and passes the resulting name in as claimedClientName. Everything after
// that point follows spec.md's literal check order: IP range, then
// existing-connection rejection, then decrypt, then name equality, then
// zone overlap.
func RunServer(conn wsConn, peerAddr netip.Addr, deps ServerDeps, claimedClientName identity.AgentName) (Result, error) {
	inv, ok := deps.Invitations.Peek(claimedClientName)
	if !ok {
		return Result{}, fmt.Errorf("handshake: no invitation for %q: %w", claimedClientName, xerrors.Auth)
	}

	// Before decryption: IP range, then no existing connection. The
	// claimed name is compared with the decrypted hello afterwards.
	if !inv.AllowsIP(peerAddr) {
		return Result{}, fmt.Errorf("handshake: peer %s not in allowed range for %q: %w", peerAddr, claimedClientName, xerrors.Auth)
	}
	if deps.HasConnection != nil && deps.HasConnection(claimedClientName) {
		return Result{}, fmt.Errorf("handshake: %q already has a live connection: %w", claimedClientName, xerrors.DuplicateConnection)
	}

	ct, err := recv(conn)
	if err != nil {
		return Result{}, err
	}

	var hello clientHello
	if err := xcrypto.Open(inv.OuterKey, inv.InnerKey, ct, &hello); err != nil {
		return Result{}, fmt.Errorf("handshake: open hello: %w: %w", err, xerrors.Crypto)
	}
	if hello.ClientName != claimedClientName || hello.ClientName != inv.ClientName {
		return Result{}, fmt.Errorf("handshake: client name mismatch: %w", xerrors.Auth)
	}
	if hello.ProtocolVersion < MinProtocolVersion {
		return Result{}, fmt.Errorf("handshake: client protocol version %d below minimum %d: %w", hello.ProtocolVersion, MinProtocolVersion, xerrors.HandshakeVersion)
	}
	if hello.AgentEngineVersion < deps.MinAgentEngine {
		return Result{}, fmt.Errorf("handshake: client agent engine version %d below minimum %d: %w", hello.AgentEngineVersion, deps.MinAgentEngine, xerrors.HandshakeVersion)
	}

	remoteZones := identity.NewZoneSet(hello.Zones...)
	if !deps.LocalZones.Overlaps(remoteZones) {
		return Result{}, fmt.Errorf("handshake: no zone overlap with %q: %w", claimedClientName, xerrors.Zone)
	}
	accepted := firstOverlap(deps.LocalZones, remoteZones)

	// Invitation is now spent: a second handshake cannot replay message 1
	// because Consume removes the pending entry.
	if _, ok := deps.Invitations.Consume(claimedClientName); !ok {
		return Result{}, fmt.Errorf("handshake: invitation for %q consumed concurrently: %w", claimedClientName, xerrors.Auth)
	}

	serverKey, err := xcrypto.Generate()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: generate server session key: %w", err)
	}

	welcome := serverWelcome{
		ServerName:         deps.LocalName,
		ServerSessionKey:   serverKey,
		ProtocolVersion:    ProtocolVersion,
		AgentEngineVersion: agentEngineVersionOrDefault(deps.MinAgentEngine),
		AgentType:          deps.LocalType,
		AcceptedZone:       accepted,
	}
	welcomeCt, err := xcrypto.Envelope(inv.OuterKey, hello.ClientSessionKey, welcome)
	if err != nil {
		return Result{}, fmt.Errorf("handshake: envelope welcome: %w", err)
	}
	if err := send(conn, welcomeCt); err != nil {
		return Result{}, err
	}

	return Result{
		Keys:         SessionKeys{Outer: serverKey, Inner: hello.ClientSessionKey},
		PeerName:     hello.ClientName,
		AcceptedZone: accepted,
	}, nil
}

// agentEngineVersionOrDefault gives the agent-engine version the server
// advertises in message 3. ServerDeps carries only MinAgentEngine, so the
// server advertises its minimum accepted version as its own; the service
// package's Deps.AgentEngineVersion reaches only the client side (RunClient).
func agentEngineVersionOrDefault(minAgentEngine int) int {
	return minAgentEngine
}

func firstOverlap(a, b identity.ZoneSet) identity.Zone {
	for z := range a {
		if b.Contains(z) {
			return z
		}
	}
	return ""
}
