// Package job implements the typed instruction grammar and the Job value
// that carries an instruction hop-by-hop along a routing Path, plus the
// version-monotonic mutation operations every Board and Agent relies on.
package job

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// DefaultExpiry is the default lifetime for most callers.
const DefaultExpiry = 60 * time.Second

// BridgeExpiry is the default lifetime for bridge-originated jobs, which
// often wait on slow external portal calls.
const BridgeExpiry = 60 * time.Minute

// State is a Job's position in its lifecycle.
type State string

const (
	StatePending  State = "Pending"
	StateRunning  State = "Running"
	StateComplete State = "Complete"
	StateError    State = "Error"
	StateExpired  State = "Expired"
	StateDeleted  State = "Deleted"
)

// Terminal reports whether s is a state from which no further transition is
// possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateExpired || s == StateDeleted
}

// Id is a globally unique, random 128-bit Job identifier, stable across
// every hop and every version.
type Id uuid.UUID

// NewId returns a fresh random Job Id.
func NewId() Id { return Id(uuid.New()) }

func (id Id) String() string { return uuid.UUID(id).String() }

func (id Id) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *Id) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("job: invalid job id %q: %w", text, err)
	}
	*id = Id(u)
	return nil
}

// Job is the unit of work routed through the mesh: a typed Instruction
// travelling along Path, identified by Id, versioned, state-machined, and
// expiring.
//
// Job carries its own mutex because multiple goroutines touch the same
// logical Job concurrently: the reader decrypting an inbound BoardDelta, the
// handler dispatch goroutine, and any caller blocked in Wait. Instances are
// always referenced by pointer after creation so every replica's mutations
// are visible through the one Board entry that owns them.
type Job struct {
	mu sync.Mutex

	id          Id
	path        identity.Path
	instruction Instruction
	version     uint64
	created     time.Time
	changed     time.Time
	expires     time.Time
	state       State
	result      json.RawMessage
	errMessage  string

	waiters []chan struct{}
}

// New creates a fresh Job at version 1, Pending, with the given expiry
// duration from now. Hand it afterwards to the local Board for the
// connection to the next hop with that Board's Put (see the board package).
func New(path identity.Path, instr Instruction, expiry time.Duration) *Job {
	now := time.Now()
	return &Job{
		id:          NewId(),
		path:        path,
		instruction: instr,
		version:     1,
		created:     now,
		changed:     now,
		expires:     now.Add(expiry),
		state:       StatePending,
	}
}

// Snapshot is an immutable point-in-time copy of a Job's fields, safe to
// pass across goroutines without holding the Job's lock.
type Snapshot struct {
	Id          Id
	Path        identity.Path
	Instruction Instruction
	Version     uint64
	Created     time.Time
	Changed     time.Time
	Expires     time.Time
	State       State
	Result      json.RawMessage
	ErrMessage  string
}

// View returns a Snapshot of the Job's current fields.
func (j *Job) View() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	return Snapshot{
		Id:          j.id,
		Path:        j.path,
		Instruction: j.instruction,
		Version:     j.version,
		Created:     j.created,
		Changed:     j.changed,
		Expires:     j.expires,
		State:       j.state,
		Result:      j.result,
		ErrMessage:  j.errMessage,
	}
}

// FromSnapshot reconstructs a *Job from a Snapshot, e.g. one decoded from a
// wire BoardDelta or a snapshot-exchange payload.
func FromSnapshot(s Snapshot) *Job {
	return &Job{
		id:          s.Id,
		path:        s.Path,
		instruction: s.Instruction,
		version:     s.Version,
		created:     s.Created,
		changed:     s.Changed,
		expires:     s.Expires,
		state:       s.State,
		result:      s.Result,
		errMessage:  s.ErrMessage,
	}
}

// Id returns the Job's stable identifier.
func (j *Job) Id() Id {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// Path returns the Job's routing path.
func (j *Job) Path() identity.Path {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Version returns the Job's current version.
func (j *Job) Version() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.version
}

// Expires returns the Job's deadline.
func (j *Job) Expires() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.expires
}

// State returns the Job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Update transitions the Job to a new state with an optional result payload
// or error message, bumping the version and changed timestamp. Only the
// owner (the agent named by Path.Destination()) is permitted to call Update
// with a terminal state — callers enforce that at the router layer (§4.9);
// Update itself does not know the local agent's name.
func (j *Job) Update(state State, result any, errMessage string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return fmt.Errorf("job: %s: already in terminal state %s: %w", j.id, j.state, xerrors.Handler)
	}

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("job: %s: marshal result: %w", j.id, err)
		}
		j.result = raw
	}
	j.errMessage = errMessage
	j.state = state
	j.version++
	j.changed = time.Now()
	j.notifyLocked()
	return nil
}

// MergeFrom applies a remote Snapshot to this Job using the version-
// monotonic merge rule: the higher version wins; a lower or equal version
// arriving from a peer is discarded without mutating anything. Returns true
// if the merge changed this Job's state (and thus something should be
// propagated further / waiters notified).
func (j *Job) MergeFrom(remote Snapshot) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if remote.Version <= j.version {
		return false
	}

	j.version = remote.Version
	j.instruction = remote.Instruction
	j.path = remote.Path
	j.changed = remote.Changed
	j.expires = remote.Expires
	j.state = remote.State
	j.result = remote.Result
	j.errMessage = remote.ErrMessage
	j.notifyLocked()
	return true
}

// MarkExpired transitions the Job to Expired, regardless of its current
// state, and wakes waiters. Called by the supervisor's sweep when
// time.Now().After(expires). A no-op if already terminal.
func (j *Job) MarkExpired() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateExpired
	j.version++
	j.changed = time.Now()
	j.notifyLocked()
	return true
}

// MarkDeleted transitions the Job to Deleted, bumping its version so the
// tombstone outranks any snapshot a peer may still be holding, and wakes
// waiters. Implements the delete() operation of spec.md §4.7: the owner or
// the source may call this through Router.Delete, which then propagates the
// tombstone to every other replica. A no-op if already terminal.
func (j *Job) MarkDeleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateDeleted
	j.version++
	j.changed = time.Now()
	j.notifyLocked()
	return true
}

// IsExpired reports whether now is past the Job's deadline.
func (j *Job) IsExpired(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return now.After(j.expires)
}

// Result reports the Job's outcome without blocking: the raw result payload
// (set on Complete), the error message (set on Error), and the current
// State, which may still be non-terminal (Pending, Running).
func (j *Job) Result() (raw json.RawMessage, errMessage string, state State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.errMessage, j.state
}

// Wait blocks until the Job reaches a terminal state or ctx's deadline
// elapses, then returns its final State. Returns xerrors.Timeout if the
// deadline elapses first; the Job itself is untouched in that case.
func (j *Job) Wait(ctx waitContext) (State, error) {
	j.mu.Lock()
	if j.state.Terminal() {
		s := j.state
		j.mu.Unlock()
		return s, nil
	}
	ch := make(chan struct{})
	j.waiters = append(j.waiters, ch)
	j.mu.Unlock()

	select {
	case <-ch:
		j.mu.Lock()
		s := j.state
		j.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		return "", fmt.Errorf("job: %s: %w", j.id, xerrors.Timeout)
	}
}

// waitContext is the minimal slice of context.Context that Wait needs,
// declared locally so the job package does not force every caller to thread
// a full context.Context through just for a Done channel.
type waitContext interface {
	Done() <-chan struct{}
}

// notifyLocked wakes every waiter and clears the list. Must be called with
// j.mu held.
func (j *Job) notifyLocked() {
	for _, ch := range j.waiters {
		close(ch)
	}
	j.waiters = nil
}
