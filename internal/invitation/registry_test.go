package invitation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/invitation"
)

func TestRegistryIssueConsumeIsSingleUse(t *testing.T) {
	r := invitation.NewRegistry()
	_, err := r.Issue("server", "ws://server/", "client", "", "zone-a")
	require.NoError(t, err)

	_, ok := r.Consume("client")
	require.True(t, ok)

	_, ok = r.Consume("client")
	assert.False(t, ok)
}

func TestRegistryReinviteOverwritesKeys(t *testing.T) {
	r := invitation.NewRegistry()
	first, err := r.Issue("server", "ws://server/", "client", "", "zone-a")
	require.NoError(t, err)

	second, err := r.Issue("server", "ws://server/", "client", "", "zone-a")
	require.NoError(t, err)

	assert.NotEqual(t, first.OuterKey, second.OuterKey)

	pending, ok := r.Peek("client")
	require.True(t, ok)
	assert.Equal(t, second.OuterKey, pending.OuterKey)
}

func TestRegistryRestoreReadmitsConsumedInvitationWithSameKeys(t *testing.T) {
	r := invitation.NewRegistry()
	inv, err := r.Issue("server", "ws://server/", "client", "", "zone-a")
	require.NoError(t, err)

	_, ok := r.Consume("client")
	require.True(t, ok)
	_, ok = r.Peek("client")
	require.False(t, ok)

	r.Restore(inv)

	restored, ok := r.Peek("client")
	require.True(t, ok)
	assert.Equal(t, inv.OuterKey, restored.OuterKey)
	assert.Equal(t, inv.InnerKey, restored.InnerKey)

	_, ok = r.Consume("client")
	assert.True(t, ok)
}

func TestRegistryListAndRevoke(t *testing.T) {
	r := invitation.NewRegistry()
	_, err := r.Issue("server", "ws://server/", "a", "", "zone-a")
	require.NoError(t, err)
	_, err = r.Issue("server", "ws://server/", "b", "", "zone-a")
	require.NoError(t, err)

	names := r.List()
	assert.ElementsMatch(t, []identity.AgentName{"a", "b"}, names)

	require.NoError(t, r.Revoke("a"))
	assert.ElementsMatch(t, []identity.AgentName{"b"}, r.List())

	require.Error(t, r.Revoke("a"))
}
