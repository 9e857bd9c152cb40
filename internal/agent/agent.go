// Package agent implements the router core of spec.md §4.9: the local
// agent's identity, the set of connected peers and their types, per-edge
// Boards, and the hop-by-hop forwarding and zone-enforcement logic that
// moves a Job from source to destination and its result back again.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/isambard-sc/openportal/internal/board"
	"github.com/isambard-sc/openportal/internal/exchange"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/job"
	"github.com/isambard-sc/openportal/internal/wire"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// DefaultConnectTimeout bounds how long Router waits for an as-yet-unseen
// next hop to appear before dropping a Job it needs to forward — common at
// startup, per spec.md §4.9 step 3.
const DefaultConnectTimeout = 5 * time.Second

// Handler processes a Job that has reached the tail of its Path — this
// agent is the destination named by Path.Destination() — and returns the
// outcome to write back.
type Handler func(ctx context.Context, path identity.Path, instr job.Instruction) (state job.State, result any, errMessage string)

// SourceValidator enforces a per-instruction rule about which source may
// submit it (e.g. user-impacting instructions must originate from the
// portal that owns the user). Router calls every validator both when a Job
// is submitted locally and again before forwarding one it did not
// originate, per spec.md §4.9.
type SourceValidator func(path identity.Path, instr job.Instruction) error

// Router is one agent's view of the mesh: its own identity, the peers it
// currently holds a connection to, one Board per such edge, and the
// dispatch/forward logic spec.md §4.9 describes.
type Router struct {
	LocalName  identity.AgentName
	LocalType  identity.AgentType
	LocalZones identity.ZoneSet

	exchange       *exchange.Exchange
	handler        Handler
	validators     []SourceValidator
	connectTimeout time.Duration

	mu        sync.RWMutex
	boards    map[identity.AgentName]*board.Board
	peerTypes map[identity.AgentName]identity.AgentType
	peerZones map[identity.AgentName]identity.Zone
}

// New builds a Router bound to ex: it installs itself as ex's control and
// frame handler, so registering a Connection on ex is enough to make its
// Board and peer-type entry appear here.
func New(name identity.AgentName, typ identity.AgentType, zones identity.ZoneSet, ex *exchange.Exchange, handler Handler, validators ...SourceValidator) *Router {
	r := &Router{
		LocalName:      name,
		LocalType:      typ,
		LocalZones:     zones,
		exchange:       ex,
		handler:        handler,
		validators:     validators,
		connectTimeout: DefaultConnectTimeout,
		boards:         make(map[identity.AgentName]*board.Board),
		peerTypes:      make(map[identity.AgentName]identity.AgentType),
		peerZones:      make(map[identity.AgentName]identity.Zone),
	}
	ex.SetControlHandler(r.onControl)
	ex.SetHandler(r.onFrame)
	return r
}

// NotePeerZone records the zone a handshake accepted for peer, so future
// forwarding decisions across that edge can be checked against it. Called
// by the service layer right after a successful handshake, alongside
// Exchange.Register.
func (r *Router) NotePeerZone(peer identity.AgentName, zone identity.Zone) {
	r.mu.Lock()
	r.peerZones[peer] = zone
	r.mu.Unlock()
}

func (r *Router) onControl(c wire.Control) {
	r.mu.Lock()
	switch c.Kind {
	case wire.ControlConnected:
		r.peerTypes[c.Agent] = c.Type
		if _, ok := r.boards[c.Agent]; !ok {
			r.boards[c.Agent] = board.New()
		}
	case wire.ControlDisconnected:
		delete(r.peerTypes, c.Agent)
		delete(r.peerZones, c.Agent)
	}
	r.mu.Unlock()
}

// BoardFor returns the Board replicating Jobs for the connection to peer,
// creating an empty one if this is the first Job seen for that edge.
func (r *Router) BoardFor(peer identity.AgentName) *board.Board {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.boards[peer]
	if !ok {
		b = board.New()
		r.boards[peer] = b
	}
	return b
}

// Boards returns a snapshot of every edge Board currently tracked, keyed by
// peer name, for the supervisor's expiry sweep and metrics pulse.
func (r *Router) Boards() map[identity.AgentName]*board.Board {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[identity.AgentName]*board.Board, len(r.boards))
	for name, b := range r.boards {
		out[name] = b
	}
	return out
}

// PeerCount reports how many peers currently have a recorded type, i.e. how
// many Connected control events have landed without a matching Disconnected.
func (r *Router) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peerTypes)
}

// GetAll returns every currently connected peer of type t, letting a
// poller wait for a specific role to appear.
func (r *Router) GetAll(t identity.AgentType) []identity.AgentName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []identity.AgentName
	for name, typ := range r.peerTypes {
		if typ == t {
			out = append(out, name)
		}
	}
	return out
}

// Snapshot returns every Job currently on the Board for the connection to
// peer, for the reconnect exchange in spec.md §4.8.
func (r *Router) Snapshot(peer identity.AgentName) []job.Snapshot {
	return r.BoardFor(peer).Snapshot()
}

// Reconcile applies the peer's post-reconnect snapshot to the Board for
// that edge and drops anything that has fallen off it.
func (r *Router) Reconcile(peer identity.AgentName, peerSnapshot []job.Snapshot) {
	r.BoardFor(peer).Reconcile(peerSnapshot, r.LocalName, peer)
}

// Submit originates a new Job locally: path.Source() must be this agent.
// It runs the same validator and zone checks an inbound Job gets, then
// either dispatches immediately (a one-hop path whose destination is also
// this agent) or forwards to the next hop.
func (r *Router) Submit(ctx context.Context, path identity.Path, instr job.Instruction, expiry time.Duration) (*job.Job, error) {
	idx := path.IndexOf(r.LocalName)
	if idx < 0 {
		return nil, fmt.Errorf("agent: submit %s: local agent not on path: %w", path, xerrors.Routing)
	}
	for _, v := range r.validators {
		if err := v(path, instr); err != nil {
			return nil, fmt.Errorf("agent: submit %s: %w", path, err)
		}
	}

	j := job.New(path, instr, expiry)
	if idx == len(path)-1 {
		// Source and destination are the same agent: no Board, no edge to
		// relay a result across. Update j itself so the caller's own
		// handle (and any Wait on it) observes the outcome directly.
		if r.handler != nil {
			state, result, errMessage := r.handler(ctx, path, instr)
			_ = j.Update(state, result, errMessage)
		}
		return j, nil
	}

	// A zone violation is not returned synchronously: per spec.md §7 it is
	// dropped at the first router to observe it, and the origin learns via
	// expiry rather than an error return. For a locally submitted Job this
	// router is that first observer, so the drop happens here exactly as it
	// would in route for an inbound Job — j is still returned, left Pending
	// and on no Board, with a timer that marks it Expired at its deadline.
	if !r.zonesOK(path) {
		time.AfterFunc(time.Until(j.Expires()), func() { j.MarkExpired() })
		return j, nil
	}

	next, _ := path.NextHop(r.LocalName)
	r.relay(ctx, next, j.View())
	return j, nil
}

// Delete implements spec.md §4.7's delete() operation: the owner (the agent
// named by path.Destination()) or the source (path.Source()) marks j
// Deleted locally, then tombstones it to both of this agent's neighbours on
// j's path, each of which purges its own Board entry and relays the
// tombstone onward, purging it from every replica along the path.
func (r *Router) Delete(ctx context.Context, j *job.Job) error {
	path := j.Path()
	if r.LocalName != path.Source() && r.LocalName != path.Destination() {
		return fmt.Errorf("agent: delete %s: only source or destination may delete: %w", path, xerrors.Routing)
	}
	if !j.MarkDeleted() {
		return fmt.Errorf("job: %s: already in a terminal state", j.Id())
	}

	snap := j.View()
	idx := path.IndexOf(r.LocalName)
	for _, i := range [2]int{idx - 1, idx + 1} {
		if i < 0 || i >= len(path) {
			continue
		}
		neighbour := path[i]
		r.BoardFor(neighbour).Remove(j.Id())
		r.sendDelete(ctx, neighbour, snap)
	}
	return nil
}

// routeDelete applies an inbound JobDelete tombstone: it purges snap's
// entry from the Boards of this agent's two neighbours on the path and
// relays the tombstone to whichever of them did not just deliver it, so the
// delete continues propagating away from its origin until it reaches every
// agent that was ever forwarded the Job.
func (r *Router) routeDelete(ctx context.Context, arrivedOn identity.AgentName, snap job.Snapshot) {
	path := snap.Path
	idx := path.IndexOf(r.LocalName)
	if idx < 0 {
		return
	}
	for _, i := range [2]int{idx - 1, idx + 1} {
		if i < 0 || i >= len(path) {
			continue
		}
		r.BoardFor(path[i]).Remove(snap.Id)
	}
	for _, i := range [2]int{idx - 1, idx + 1} {
		if i < 0 || i >= len(path) {
			continue
		}
		neighbour := path[i]
		if neighbour == arrivedOn {
			continue
		}
		r.sendDelete(ctx, neighbour, snap)
	}
}

// sendDelete enqueues a JobDelete frame to target, waiting briefly for it
// to connect if it is not already, mirroring relay's connect-timeout drop
// behaviour for the same reason: a neighbour that never appears cannot be
// told, but it never had the Job replicated to it either.
func (r *Router) sendDelete(ctx context.Context, target identity.AgentName, snap job.Snapshot) {
	if !r.exchange.Connected(target) {
		if !r.waitForPeer(ctx, target) {
			return
		}
	}
	frame, err := wire.NewJobDeleteFrame(r.LocalName, target, snap)
	if err != nil {
		return
	}
	_ = r.exchange.Send(ctx, frame)
}

// onFrame is installed as the Exchange's single inbound handler. Only
// BoardDelta and JobDelete frames carry routable Jobs; Message frames are
// left to whatever higher-level protocol uses them and are not inspected
// here.
func (r *Router) onFrame(f wire.Frame) {
	switch f.Kind {
	case wire.KindBoardDelta:
		var snap job.Snapshot
		if err := json.Unmarshal(f.Payload, &snap); err != nil {
			return
		}
		// route itself records snap on the appropriate Board (the arrival
		// edge for a tail dispatch, the target edge for a relay) once
		// routing and zone checks pass; a Job that fails those checks is
		// never merged anywhere, matching the "drop" language of spec.md
		// §4.9 steps 1 and 4.
		r.route(context.Background(), f.Sender, snap)
	case wire.KindJobDelete:
		var snap job.Snapshot
		if err := json.Unmarshal(f.Payload, &snap); err != nil {
			return
		}
		r.routeDelete(context.Background(), f.Sender, snap)
	}
}

// route implements spec.md §4.9 steps 1-4 for a Job snapshot that either
// just arrived from arrivedOn, or (when arrivedOn is "") was just submitted
// locally.
func (r *Router) route(ctx context.Context, arrivedOn identity.AgentName, snap job.Snapshot) {
	path := snap.Path
	idx := path.IndexOf(r.LocalName)
	if idx < 0 {
		return // RoutingError: this agent is not on the path; drop.
	}
	if !r.zonesOK(path) {
		return // ZoneViolation: drop.
	}
	for _, v := range r.validators {
		if err := v(path, snap.Instruction); err != nil {
			return
		}
	}

	if arrivedOn != "" {
		// arrivedOn is always adjacent to this agent in path, so this edge
		// carries the Job regardless of whether it terminates or continues
		// here; record it per spec.md §4.8 before deciding what to do next.
		r.BoardFor(arrivedOn).Observe(snap)
	}

	if idx == len(path)-1 {
		r.dispatchTail(ctx, r.BoardFor(arrivedOn), path, snap)
		return
	}

	next, hasNext := path.NextHop(r.LocalName)
	if !hasNext {
		return
	}

	// A delta arriving back from the next hop is the result travelling
	// toward the source; relay it to the previous hop instead of forward
	// again. Anything else (a fresh submission, or an update arriving from
	// the previous hop) continues forward.
	if arrivedOn == next {
		if idx == 0 {
			return // we are the source; nothing further to relay backward.
		}
		r.relay(ctx, path[idx-1], snap)
		return
	}
	r.relay(ctx, next, snap)
}

// dispatchTail runs the local Handler for a Job that has reached its
// destination. It mutates the same *job.Job instance already tracked on b
// (inserting one via FromSnapshot if this is the first delivery) so that
// re-delivery of a stale copy never creates a second, divergent record, then
// relays the outcome to the previous hop so it replicates back toward the
// source.
func (r *Router) dispatchTail(ctx context.Context, b *board.Board, path identity.Path, snap job.Snapshot) {
	if snap.State.Terminal() {
		return // already finished; avoid re-running the handler on re-delivery.
	}
	if r.handler == nil {
		return
	}

	j, ok := b.Get(snap.Id)
	if !ok {
		j = job.FromSnapshot(snap)
		b.Put(j)
	}

	state, result, errMessage := r.handler(ctx, path, snap.Instruction)
	if err := j.Update(state, result, errMessage); err != nil {
		return
	}

	idx := path.IndexOf(r.LocalName)
	if idx > 0 {
		r.relay(ctx, path[idx-1], j.View())
	}
}

// relay merges snap into the Board for the connection to target, waiting
// briefly for that peer to appear if it is not yet connected, then enqueues
// a BoardDelta frame carrying it.
func (r *Router) relay(ctx context.Context, target identity.AgentName, snap job.Snapshot) {
	r.BoardFor(target).Observe(snap)

	if !r.exchange.Connected(target) {
		if !r.waitForPeer(ctx, target) {
			return // connect timeout elapsed; drop, per spec.md §4.9 step 3.
		}
	}

	frame, err := wire.NewBoardDeltaFrame(r.LocalName, target, snap)
	if err != nil {
		return
	}
	_ = r.exchange.Send(ctx, frame)
}

func (r *Router) waitForPeer(ctx context.Context, name identity.AgentName) bool {
	if r.exchange.Connected(name) {
		return true
	}
	deadline := time.Now().Add(r.connectTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if r.exchange.Connected(name) {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// zonesOK checks the zone constraint of spec.md §4.9 step 4 against
// whatever immediate neighbours of this agent's position in path it has
// already shaken hands with. Hops further away are verified by the agents
// adjacent to them, transitively covering the whole path by the time a Job
// reaches its destination.
func (r *Router) zonesOK(path identity.Path) bool {
	idx := path.IndexOf(r.LocalName)
	if idx < 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, i := range [2]int{idx - 1, idx + 1} {
		if i < 0 || i >= len(path) {
			continue
		}
		zone, ok := r.peerZones[path[i]]
		if !ok {
			continue // not yet connected to this hop; nothing to verify yet.
		}
		if !r.LocalZones.Contains(zone) {
			return false
		}
	}
	return true
}
