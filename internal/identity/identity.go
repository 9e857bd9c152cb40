// Package identity defines the naming types shared across every layer:
// AgentName (the routing key), AgentType (capability discovery), Zone
// (security compartment), and Path (the dotted routing path a Job travels).
package identity

import (
	"fmt"
	"strings"
)

// AgentName is a short printable identifier unique within a zone.
type AgentName string

// AgentType is one of the seven roles a connected peer may advertise.
type AgentType string

const (
	TypePortal     AgentType = "Portal"
	TypeProvider   AgentType = "Provider"
	TypePlatform   AgentType = "Platform"
	TypeInstance   AgentType = "Instance"
	TypeAccount    AgentType = "Account"
	TypeFilesystem AgentType = "Filesystem"
	TypeBridge     AgentType = "Bridge"
)

// ValidTypes lists every recognised AgentType, in the order spec.md §3
// enumerates them.
var ValidTypes = []AgentType{
	TypePortal, TypeProvider, TypePlatform, TypeInstance,
	TypeAccount, TypeFilesystem, TypeBridge,
}

// Valid reports whether t is one of the seven recognised agent types.
func (t AgentType) Valid() bool {
	for _, v := range ValidTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Zone is an opaque security compartment identifier. Two agents may
// exchange messages only if they share at least one zone.
type Zone string

// ZoneSet is an unordered collection of zones an agent belongs to.
type ZoneSet map[Zone]struct{}

// NewZoneSet builds a ZoneSet from a slice of zones.
func NewZoneSet(zones ...Zone) ZoneSet {
	s := make(ZoneSet, len(zones))
	for _, z := range zones {
		s[z] = struct{}{}
	}
	return s
}

// Overlaps reports whether s and other share at least one zone.
func (s ZoneSet) Overlaps(other ZoneSet) bool {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for z := range small {
		if _, ok := big[z]; ok {
			return true
		}
	}
	return false
}

// Contains reports whether z is a member of s.
func (s ZoneSet) Contains(z Zone) bool {
	_, ok := s[z]
	return ok
}

// Path is a non-empty ordered sequence of AgentNames separated by '.', the
// source first and the ultimate destination (the authoritative owner) last.
// Example: "waldur.brics.notebook.shared".
type Path []AgentName

// ParsePath splits a dotted path string into a Path. Returns an error if the
// string is empty or contains an empty segment.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("identity: empty path")
	}
	parts := strings.Split(s, ".")
	path := make(Path, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("identity: path %q has an empty segment", s)
		}
		path = append(path, AgentName(p))
	}
	return path, nil
}

// String renders the path back to its dotted form.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, a := range p {
		parts[i] = string(a)
	}
	return strings.Join(parts, ".")
}

// Source returns the first hop in the path.
func (p Path) Source() AgentName {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Destination returns the last hop in the path — the authoritative owner.
func (p Path) Destination() AgentName {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// IndexOf returns the position of name in the path, or -1 if absent.
func (p Path) IndexOf(name AgentName) int {
	for i, a := range p {
		if a == name {
			return i
		}
	}
	return -1
}

// NextHop returns the AgentName immediately after name in the path, and
// true if one exists (name is present and is not the destination).
func (p Path) NextHop(name AgentName) (AgentName, bool) {
	i := p.IndexOf(name)
	if i < 0 || i == len(p)-1 {
		return "", false
	}
	return p[i+1], true
}

// Local reports whether the path names exactly one agent — i.e. the job
// executes locally without any send.
func (p Path) Local() bool {
	return len(p) == 1
}

// MarshalText implements encoding.TextMarshaler so Path can round-trip
// through TOML/JSON as its dotted string form.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
