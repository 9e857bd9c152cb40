// Package wire defines the payload shapes that travel inside a Connection's
// double-encrypted envelope, and the control-message shapes synthesised
// locally by the Exchange. Mirrors the tagged-message convention the
// websocket hub in this codebase already uses for GUI push events, widened
// to the five kinds this peer protocol needs: the four spec.md §6 names
// plus JobDelete for spec.md §4.7's delete() operation.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/isambard-sc/openportal/internal/identity"
)

// PayloadKind tags which variant a Frame or Control carries.
type PayloadKind string

const (
	KindMessage    PayloadKind = "Message"
	KindBoardDelta PayloadKind = "BoardDelta"
	KindKeepalive  PayloadKind = "Keepalive"
	KindDisconnect PayloadKind = "Disconnect"
	KindJobDelete  PayloadKind = "JobDelete"
)

// ControlKind tags a locally synthesised control event. Control messages
// are never wire-transmitted — see Frame vs Control below.
type ControlKind string

const (
	ControlConnected    ControlKind = "Connected"
	ControlDisconnected ControlKind = "Disconnected"
)

// Frame is the envelope that travels as a websocket text frame's
// plaintext, i.e. the value encrypted/decrypted by the Connection's
// double-encryption envelope. Exactly one of the Kind-tagged payload
// fields is populated, matching the wire shape in spec.md §6:
// {sender, recipient, payload} where payload is one of
// {Message{...}}, {BoardDelta{Job}}, {Keepalive}, {Disconnect},
// {JobDelete{Job}}. JobDelete carries the same Job snapshot shape as
// BoardDelta, already stamped Deleted with a bumped version by
// job.Job.MarkDeleted, so the version-monotonic merge rule in
// internal/board naturally wins over any older, un-deleted copy a peer
// still holds.
type Frame struct {
	Sender    identity.AgentName `json:"sender"`
	Recipient identity.AgentName `json:"recipient"`
	Kind      PayloadKind        `json:"kind"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
}

// NewMessageFrame builds a Frame carrying an application Message.
func NewMessageFrame(sender, recipient identity.AgentName, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal message payload: %w", err)
	}
	return Frame{Sender: sender, Recipient: recipient, Kind: KindMessage, Payload: raw}, nil
}

// NewBoardDeltaFrame builds a Frame carrying a replicated Job snapshot.
func NewBoardDeltaFrame(sender, recipient identity.AgentName, jobSnapshot any) (Frame, error) {
	raw, err := json.Marshal(jobSnapshot)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal board delta: %w", err)
	}
	return Frame{Sender: sender, Recipient: recipient, Kind: KindBoardDelta, Payload: raw}, nil
}

// NewJobDeleteFrame builds a Frame carrying a Job tombstone: the same
// snapshot shape NewBoardDeltaFrame carries, tagged separately so the
// receiving Router purges its Board entry instead of merely replicating it.
func NewJobDeleteFrame(sender, recipient identity.AgentName, jobSnapshot any) (Frame, error) {
	raw, err := json.Marshal(jobSnapshot)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal job delete: %w", err)
	}
	return Frame{Sender: sender, Recipient: recipient, Kind: KindJobDelete, Payload: raw}, nil
}

// NewKeepaliveFrame builds a Frame carrying the Keepalive control payload.
func NewKeepaliveFrame(sender, recipient identity.AgentName) Frame {
	return Frame{Sender: sender, Recipient: recipient, Kind: KindKeepalive}
}

// NewDisconnectFrame builds a Frame carrying the Disconnect control payload.
func NewDisconnectFrame(sender, recipient identity.AgentName) Frame {
	return Frame{Sender: sender, Recipient: recipient, Kind: KindDisconnect}
}

// Control is a locally synthesised event delivered to the Exchange's
// handler when a peer connects or disconnects. Control events are never
// wire-transmitted — they are constructed in-process by Connection/Exchange
// when connection state changes.
type Control struct {
	Kind  ControlKind
	Agent identity.AgentName
	Type  identity.AgentType // populated for ControlConnected
}
