// Package xerrors defines the error taxonomy shared by every layer of
// OpenPortal. Errors are distinguished by kind, not by type hierarchy: each
// kind is a sentinel wrapped with context via fmt.Errorf("...: %w", ...) and
// tested with errors.Is.
package xerrors

import "errors"

// Kind sentinels. Wrap these with fmt.Errorf to add context; never compare
// errors by string, always errors.Is(err, xerrors.Parse) etc.
var (
	// Parse covers malformed paths, unknown instructions, wrong arity, or an
	// argument that fails its own validator. Reported to the caller, never
	// retried.
	Parse = errors.New("openportal: parse error")

	// Auth covers a rejected handshake. The connection is dropped and
	// redialled after backoff.
	Auth = errors.New("openportal: authentication error")

	// Transport covers websocket I/O failures. Dropped and redialled.
	Transport = errors.New("openportal: transport error")

	// Crypto covers decrypt/MAC failures. The connection is treated as
	// hostile and dropped.
	Crypto = errors.New("openportal: crypto error")

	// Routing covers an unknown next hop that did not appear within the
	// connect timeout.
	Routing = errors.New("openportal: routing error")

	// Zone covers a path that crosses a zone boundary the local agent does
	// not share.
	Zone = errors.New("openportal: zone violation")

	// Expired covers a Job whose deadline has passed.
	Expired = errors.New("openportal: job expired")

	// Handler covers a business-logic error raised by the destination
	// agent's handler.
	Handler = errors.New("openportal: handler error")

	// Shutdown covers the process exiting; waiters wake with this.
	Shutdown = errors.New("openportal: shutting down")

	// Timeout covers a wait() deadline elapsing without a terminal state.
	Timeout = errors.New("openportal: timeout")

	// Malformed covers a wire frame that is not valid hex, oversized, or
	// otherwise not a well-formed envelope.
	Malformed = errors.New("openportal: malformed frame")

	// PeerGone covers a send to a connection that has already closed.
	PeerGone = errors.New("openportal: peer gone")

	// DuplicateConnection covers a second handshake attempt from a peer name
	// that already holds a live connection.
	DuplicateConnection = errors.New("openportal: duplicate connection")

	// NoSuchPeer covers Exchange.send for a recipient that is not currently
	// registered.
	NoSuchPeer = errors.New("openportal: no such peer")

	// BadKey covers a key of the wrong length or an uninitialized key.
	BadKey = errors.New("openportal: bad key")

	// Tampered covers an AEAD authentication failure.
	Tampered = errors.New("openportal: tampered ciphertext")

	// HandshakeVersion covers incompatible protocol or agent-engine
	// versions during handshake.
	HandshakeVersion = errors.New("openportal: incompatible version")
)
