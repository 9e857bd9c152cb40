package invitation

import (
	"fmt"
	"sync"

	"github.com/isambard-sc/openportal/internal/identity"
)

// Registry tracks invitations issued by this agent acting as a server,
// keyed by the invited client's name. It enforces single-use consumption
// and the overwrite-on-re-invite rule from spec.md §4.2: asking to invite a
// client name that already has a stored entry generates a new key pair and
// invalidates the old one.
type Registry struct {
	mu      sync.Mutex
	pending map[identity.AgentName]Invitation
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[identity.AgentName]Invitation)}
}

// Issue creates a new Invitation for client and stores it as pending,
// overwriting (and invalidating) any prior invitation for that name.
func (r *Registry) Issue(serverName identity.AgentName, serverURL string, client identity.AgentName, ipRange string, zone identity.Zone) (Invitation, error) {
	inv, err := New(serverName, serverURL, client, ipRange, zone)
	if err != nil {
		return Invitation{}, err
	}

	r.mu.Lock()
	r.pending[client] = inv
	r.mu.Unlock()
	return inv, nil
}

// Consume looks up the pending invitation for client and removes it,
// enforcing single use: a second handshake attempt presenting the same
// client name finds nothing pending and is rejected by the caller.
func (r *Registry) Consume(client identity.AgentName) (Invitation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.pending[client]
	if ok {
		delete(r.pending, client)
	}
	return inv, ok
}

// Peek looks up the pending invitation for client without consuming it.
// Used by the handshake server to validate the peer IP and decode the
// client's opening message before committing to the single use.
func (r *Registry) Peek(client identity.AgentName) (Invitation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.pending[client]
	return inv, ok
}

// Restore re-admits an invitation as pending using its existing keys,
// without generating a new key pair. Used to seed the Registry from a
// persisted configuration entry at startup, and to re-admit a configured
// client after its connection drops so a later redial's handshake can
// Consume it again — the long-term identity keys in configuration outlive
// any single handshake's Consume, unlike a brand-new invitation's one-shot
// onboarding use.
func (r *Registry) Restore(inv Invitation) {
	r.mu.Lock()
	r.pending[inv.ClientName] = inv
	r.mu.Unlock()
}

// Revoke removes a pending invitation without it ever being consumed.
func (r *Registry) Revoke(client identity.AgentName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[client]; !ok {
		return fmt.Errorf("invitation: no pending invitation for %q", client)
	}
	delete(r.pending, client)
	return nil
}

// List returns the names of every client with a pending invitation.
func (r *Registry) List() []identity.AgentName {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]identity.AgentName, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	return names
}
