// Package service owns the runtime lifecycle spec.md §4.6 describes: an
// optional inbound websocket listener for agents that accept dial-ins, and
// one outbound dialer goroutine per configured server this agent reaches
// out to. Grounded on the teacher's split between
// agent/internal/connection.Manager (the outbound reconnect loop) and
// server/internal/websocket (the inbound http.Server + upgrader), unified
// here because OpenPortal agents are symmetric: the same process can both
// accept and dial.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isambard-sc/openportal/internal/agent"
	"github.com/isambard-sc/openportal/internal/connection"
	"github.com/isambard-sc/openportal/internal/exchange"
	"github.com/isambard-sc/openportal/internal/handshake"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/invitation"
	"github.com/isambard-sc/openportal/internal/wire"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// DefaultRetryInterval is the outbound redial wait spec.md §4.6 names.
// Unlike the teacher's exponentially growing backoff, the spec calls for a
// constant interval; DefaultJitterFraction softens the thundering-herd risk
// the teacher's jitter() guards against without introducing growth.
const (
	DefaultRetryInterval  = 5 * time.Second
	DefaultJitterFraction = 0.2

	handshakeDeadline = 10 * time.Second
)

// clientNameParam is the websocket upgrade query parameter an inbound
// dialer presents its claimed identity on, so RunServer can select which
// invitation's keys to attempt decryption with before message 1 is ever
// decrypted. See handshake.RunServer's doc comment.
const clientNameParam = "client"

// Deps bundles everything Service needs to turn a raw socket into a
// registered, routed Connection, shared by both the inbound listener and
// every outbound dialer.
type Deps struct {
	LocalName  identity.AgentName
	LocalType  identity.AgentType
	LocalZones identity.ZoneSet

	AgentEngineVersion int
	MinAgentEngine     int

	Invitations *invitation.Registry
	Exchange    *exchange.Exchange
	Router      *agent.Router

	Logger *zap.Logger
}

// ServerTarget is one outbound peer to dial, expressed as the invitation
// that peer issued this agent — the same {name, url, keys, zone} shape as a
// [[service.servers]] config entry.
type ServerTarget struct {
	Invitation    invitation.Invitation
	RetryInterval time.Duration // zero means DefaultRetryInterval
}

// Service runs the inbound listener (if BindAddr is set) and one dialer per
// Servers entry until ctx is cancelled.
type Service struct {
	deps     Deps
	bindAddr string
	servers  []ServerTarget

	httpSrv *http.Server
	wg      sync.WaitGroup
}

// New builds a Service. bindAddr is "ip:port" to accept inbound peers, or ""
// to run outbound-only.
func New(deps Deps, bindAddr string, servers []ServerTarget) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, bindAddr: bindAddr, servers: servers}
}

// Run binds the inbound listener (if configured), spawns a dialer per
// server, and blocks until ctx is cancelled. It then shuts the listener
// down and closes every live connection (frames still queued in an outbox
// are dropped, not drained), and returns once every dialer has exited.
func (s *Service) Run(ctx context.Context) error {
	if s.bindAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", s.handleUpgrade)
		s.httpSrv = &http.Server{
			Addr:         s.bindAddr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		ln, err := net.Listen("tcp", s.bindAddr)
		if err != nil {
			return fmt.Errorf("service: listen on %s: %w", s.bindAddr, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Logger.Info("inbound listener started", zap.String("addr", s.bindAddr))
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.deps.Logger.Error("inbound listener error", zap.Error(err))
			}
		}()
	}

	for _, target := range s.servers {
		target := target
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runDialer(ctx, target)
		}()
	}

	<-ctx.Done()
	s.shutdown()
	for _, peer := range s.deps.Exchange.Peers() {
		s.deps.Exchange.Unregister(peer)
	}
	s.wg.Wait()
	return nil
}

func (s *Service) shutdown() {
	if s.httpSrv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.deps.Logger.Warn("inbound listener shutdown error", zap.Error(err))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleUpgrade accepts one inbound websocket, demuxes the claimed client
// name from the query string, and runs the handshake as server before
// handing the socket to connection.New.
func (s *Service) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	claimed := identity.AgentName(r.URL.Query().Get(clientNameParam))
	if claimed == "" {
		http.Error(w, "missing client parameter", http.StatusBadRequest)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peerAddr, err := netip.ParseAddr(host)
	if err != nil {
		http.Error(w, "unparseable remote address", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket upgrade failed", zap.String("client", string(claimed)), zap.Error(err))
		return
	}

	log := s.deps.Logger.With(zap.String("peer", string(claimed)), zap.String("remote_addr", host))

	// Capture the invitation before RunServer consumes it, so it can be
	// restored once this connection eventually drops: the configured
	// client's identity keys outlive any one handshake's single-use
	// consumption, and must remain admissible for the next redial.
	capturedInv, hadInv := s.deps.Invitations.Peek(claimed)

	res, err := handshake.RunServer(conn, peerAddr, handshake.ServerDeps{
		Invitations:    s.deps.Invitations,
		LocalName:      s.deps.LocalName,
		LocalType:      s.deps.LocalType,
		LocalZones:     s.deps.LocalZones,
		MinAgentEngine: s.deps.MinAgentEngine,
		HasConnection:  s.deps.Exchange.Connected,
	}, claimed)
	if err != nil {
		log.Warn("inbound handshake rejected", zap.Error(err))
		_ = conn.Close()
		return
	}

	log.Info("inbound handshake accepted", zap.String("zone", string(res.AcceptedZone)))
	s.adopt(conn, res)

	if hadInv {
		s.deps.Invitations.Restore(capturedInv)
	}
}

// runDialer redials target indefinitely until ctx is cancelled, sleeping
// RetryInterval (jittered) between failed attempts. One successful
// handshake runs the Connection to completion before the loop redials.
func (s *Service) runDialer(ctx context.Context, target ServerTarget) {
	retryInterval := target.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	log := s.deps.Logger.With(zap.String("peer", string(target.Invitation.ServerName)))

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.dialOnce(ctx, target.Invitation, log); err != nil {
			log.Warn("outbound connection failed, retrying", zap.Error(err), zap.Duration("retry_interval", retryInterval))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(retryInterval)):
		}
	}
}

// dialOnce dials target once, runs the client handshake, and — on success —
// runs the resulting Connection to completion. Returns once that connection
// closes, or the dial/handshake itself failed.
func (s *Service) dialOnce(ctx context.Context, inv invitation.Invitation, log *zap.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	dialURL, err := url.Parse(inv.ServerURL)
	if err != nil {
		return fmt.Errorf("service: parse server url %s: %w", inv.ServerURL, err)
	}
	query := dialURL.Query()
	query.Set(clientNameParam, string(inv.ClientName))
	dialURL.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL.String(), nil)
	if err != nil {
		return fmt.Errorf("service: dial %s: %w: %w", inv.ServerURL, err, xerrors.Transport)
	}

	res, err := handshake.RunClient(conn, inv, s.deps.LocalZones, s.deps.AgentEngineVersion, s.deps.MinAgentEngine)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("service: handshake with %s: %w", inv.ServerName, err)
	}

	log.Info("outbound handshake accepted", zap.String("zone", string(res.AcceptedZone)))
	s.adopt(conn, res)
	return nil
}

// wsConn is the minimal surface adopt needs from *websocket.Conn, matching
// the connection package's own unexported interface so tests can substitute
// an in-memory double.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// adopt wraps conn in a Connection, registers it on the Exchange, records
// its accepted zone with the Router, replays this agent's replicated Jobs
// for that edge so the peer's Board converges, and blocks until the
// Connection closes.
//
// The reconnect snapshot exchange in spec.md §4.8 calls for both sides to
// exchange full snapshot() contents so a restarted agent's Board converges
// from whichever peer it reconnects to. Since the wire format has no
// dedicated "snapshot" kind, each Job already on the local Board for this edge is
// replayed as an ordinary BoardDelta frame right after registration; this
// re-observes every entry the peer may have missed while disconnected. The
// complementary half of reconnect convergence — dropping a Job that fell
// off the peer's Board entirely while this side was gone — is left to the
// supervisor's expiry sweep rather than wired over the wire, since no wire
// kind signals "that was the peer's complete set".
func (s *Service) adopt(raw wsConn, res handshake.Result) {
	c := connection.New(raw, s.deps.LocalName, res, s.deps.Exchange.Dispatch)
	if err := s.deps.Exchange.Register(c); err != nil {
		s.deps.Logger.Warn("duplicate connection rejected", zap.String("peer", string(res.PeerName)), zap.Error(err))
		c.Close(err)
		return
	}
	s.deps.Router.NotePeerZone(res.PeerName, res.AcceptedZone)

	replayCtx, cancel := context.WithTimeout(context.Background(), handshakeDeadline)
	defer cancel()
	for _, snap := range s.deps.Router.Snapshot(res.PeerName) {
		frame, err := wire.NewBoardDeltaFrame(s.deps.LocalName, res.PeerName, snap)
		if err != nil {
			continue
		}
		_ = c.Send(replayCtx, frame)
	}

	c.Run()
}

// jitter adds a random +/-DefaultJitterFraction perturbation to d, mirroring
// the teacher's reconnect jitter to avoid every dialer in a large mesh
// retrying in lockstep.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * DefaultJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
