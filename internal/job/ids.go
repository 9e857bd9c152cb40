package job

import (
	"fmt"
	"strings"
)

// PortalId identifies a single portal instance by name.
type PortalId struct {
	Portal string
}

// ParsePortalId validates and parses a bare "portal" token.
func ParsePortalId(s string) (PortalId, error) {
	if s == "" || strings.Contains(s, ".") {
		return PortalId{}, fmt.Errorf("job: invalid portal id %q", s)
	}
	return PortalId{Portal: s}, nil
}

func (p PortalId) String() string { return p.Portal }

// ProjectId identifies a project scoped to a portal: "project.portal".
type ProjectId struct {
	Project string
	Portal  string
}

// ParseProjectId validates and parses a "project.portal" token.
func ParseProjectId(s string) (ProjectId, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ProjectId{}, fmt.Errorf("job: invalid project id %q, want project.portal", s)
	}
	return ProjectId{Project: parts[0], Portal: parts[1]}, nil
}

func (p ProjectId) String() string { return p.Project + "." + p.Portal }

// PortalId returns the PortalId this project belongs to.
func (p ProjectId) PortalId() PortalId { return PortalId{Portal: p.Portal} }

// UserId identifies a user scoped to a project and portal:
// "username.project.portal".
type UserId struct {
	Username string
	Project  string
	Portal   string
}

// ParseUserId validates and parses a "username.project.portal" token.
func ParseUserId(s string) (UserId, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return UserId{}, fmt.Errorf("job: invalid user id %q, want username.project.portal", s)
	}
	return UserId{Username: parts[0], Project: parts[1], Portal: parts[2]}, nil
}

func (u UserId) String() string {
	return u.Username + "." + u.Project + "." + u.Portal
}

// ProjectId returns the ProjectId this user belongs to.
func (u UserId) ProjectId() ProjectId {
	return ProjectId{Project: u.Project, Portal: u.Portal}
}

// PortalId returns the PortalId this user ultimately belongs to.
func (u UserId) PortalId() PortalId { return PortalId{Portal: u.Portal} }

// UserMapping binds a portal UserId to a local account name on the target
// infrastructure, as consumed by AddLocalUser. Wire form:
// "username.project.portal:localname".
type UserMapping struct {
	User      UserId
	LocalUser string
}

// ParseUserMapping validates and parses a "user:localname" token.
func ParseUserMapping(s string) (UserMapping, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 || idx == len(s)-1 {
		return UserMapping{}, fmt.Errorf("job: invalid user mapping %q, want user:localname", s)
	}
	user, err := ParseUserId(s[:idx])
	if err != nil {
		return UserMapping{}, fmt.Errorf("job: invalid user mapping %q: %w", s, err)
	}
	local := s[idx+1:]
	if local == "" {
		return UserMapping{}, fmt.Errorf("job: invalid user mapping %q: empty local user", s)
	}
	return UserMapping{User: user, LocalUser: local}, nil
}

func (m UserMapping) String() string {
	return m.User.String() + ":" + m.LocalUser
}

// Usage is a resource quota or usage amount in bytes.
type Usage int64
