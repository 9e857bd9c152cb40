package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/identity"
)

func TestParsePath(t *testing.T) {
	p, err := identity.ParsePath("waldur.brics.notebook.shared")
	require.NoError(t, err)
	assert.Equal(t, identity.AgentName("waldur"), p.Source())
	assert.Equal(t, identity.AgentName("shared"), p.Destination())
	assert.Equal(t, "waldur.brics.notebook.shared", p.String())
}

func TestParsePathRejectsEmpty(t *testing.T) {
	_, err := identity.ParsePath("")
	assert.Error(t, err)

	_, err = identity.ParsePath("a..b")
	assert.Error(t, err)
}

func TestPathNextHop(t *testing.T) {
	p, err := identity.ParsePath("a.b.c")
	require.NoError(t, err)

	next, ok := p.NextHop("a")
	require.True(t, ok)
	assert.Equal(t, identity.AgentName("b"), next)

	next, ok = p.NextHop("b")
	require.True(t, ok)
	assert.Equal(t, identity.AgentName("c"), next)

	_, ok = p.NextHop("c")
	assert.False(t, ok, "destination has no next hop")

	_, ok = p.NextHop("z")
	assert.False(t, ok, "absent agent has no next hop")
}

func TestPathLocal(t *testing.T) {
	p, err := identity.ParsePath("local")
	require.NoError(t, err)
	assert.True(t, p.Local())

	p, err = identity.ParsePath("a.b")
	require.NoError(t, err)
	assert.False(t, p.Local())
}

func TestZoneSetOverlaps(t *testing.T) {
	a := identity.NewZoneSet("z1", "z2")
	b := identity.NewZoneSet("z2", "z3")
	c := identity.NewZoneSet("z4")

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
}

func TestAgentTypeValid(t *testing.T) {
	assert.True(t, identity.TypePortal.Valid())
	assert.False(t, identity.AgentType("Bogus").Valid())
}
