// Package invitation implements the one-shot credential pairing two agents
// use to bootstrap a connection: a freshly generated key pair, the server's
// coordinates, the invited client's name, and the IP range the server will
// accept that client's handshake from.
//
// Invitations serialise to a TOML text block (the same table shape as a
// [[service.servers]]/[[service.clients]] config entry, per spec.md §6) so
// they can be emailed, pasted into a file, or embedded directly in a
// config — grounded on this codebase's existing TOML-table convention for
// structured config data.
package invitation

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"

	"github.com/BurntSushi/toml"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/xcrypto"
)

// Invitation is issued once by a server agent and consumed exactly once by
// the client agent it names. Both sides persist OuterKey/InnerKey in their
// own configuration after a successful handshake; the Invitation text block
// itself is then discardable.
type Invitation struct {
	ServerName identity.AgentName `toml:"server_name"`
	ServerURL  string             `toml:"server_url"`
	ClientName identity.AgentName `toml:"client_name"`
	// AllowedRange is the CIDR the server will accept this client's
	// handshake connection from. An empty string means no IP restriction.
	AllowedRange string          `toml:"allowed_range"`
	OuterKey     xcrypto.Key     `toml:"outer_key"`
	InnerKey     xcrypto.Key     `toml:"inner_key"`
	Zone         identity.Zone   `toml:"zone"`
}

// New generates a fresh key pair and builds an Invitation for client from
// server, restricted to ipRange (a CIDR string, or "" for no restriction)
// and scoped to zone.
func New(serverName identity.AgentName, serverURL string, client identity.AgentName, ipRange string, zone identity.Zone) (Invitation, error) {
	if ipRange != "" {
		if _, _, err := net.ParseCIDR(ipRange); err != nil {
			return Invitation{}, fmt.Errorf("invitation: invalid allowed range %q: %w", ipRange, err)
		}
	}
	outer, err := xcrypto.Generate()
	if err != nil {
		return Invitation{}, fmt.Errorf("invitation: generate outer key: %w", err)
	}
	inner, err := xcrypto.Generate()
	if err != nil {
		return Invitation{}, fmt.Errorf("invitation: generate inner key: %w", err)
	}
	return Invitation{
		ServerName:   serverName,
		ServerURL:    serverURL,
		ClientName:   client,
		AllowedRange: ipRange,
		OuterKey:     outer,
		InnerKey:     inner,
		Zone:         zone,
	}, nil
}

// AllowsIP reports whether addr falls within the invitation's allowed
// range. An empty AllowedRange allows any address.
func (inv Invitation) AllowsIP(addr netip.Addr) bool {
	if inv.AllowedRange == "" {
		return true
	}
	prefix, err := netip.ParsePrefix(inv.AllowedRange)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

// Encode renders the Invitation as a TOML text block suitable for writing
// to a file or pasting into a message to the invited operator.
func (inv Invitation) Encode() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(inv); err != nil {
		return "", fmt.Errorf("invitation: encode: %w", err)
	}
	return buf.String(), nil
}

// Decode parses a TOML text block produced by Encode.
func Decode(text string) (Invitation, error) {
	var inv Invitation
	if _, err := toml.Decode(text, &inv); err != nil {
		return Invitation{}, fmt.Errorf("invitation: decode: %w", err)
	}
	return inv, nil
}

// Zero scrubs both keys. Call once the invitation has been consumed by a
// successful handshake and the resulting session keys have taken over.
func (inv *Invitation) Zero() {
	inv.OuterKey.Zero()
	inv.InnerKey.Zero()
}
