package invitation_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/invitation"
)

func TestNewAndEncodeDecodeRoundTrip(t *testing.T) {
	inv, err := invitation.New("portal", "wss://portal.example:4433/", "brics", "10.0.0.0/24", "zone-a")
	require.NoError(t, err)

	text, err := inv.Encode()
	require.NoError(t, err)

	got, err := invitation.Decode(text)
	require.NoError(t, err)

	assert.Equal(t, inv.ServerName, got.ServerName)
	assert.Equal(t, inv.ClientName, got.ClientName)
	assert.Equal(t, inv.Zone, got.Zone)
	assert.Equal(t, inv.OuterKey, got.OuterKey)
	assert.Equal(t, inv.InnerKey, got.InnerKey)
}

func TestAllowsIP(t *testing.T) {
	inv, err := invitation.New("portal", "wss://portal.example/", "brics", "10.0.0.0/24", "zone-a")
	require.NoError(t, err)

	assert.True(t, inv.AllowsIP(netip.MustParseAddr("10.0.0.5")))
	assert.False(t, inv.AllowsIP(netip.MustParseAddr("10.0.1.5")))
}

func TestAllowsIPUnrestricted(t *testing.T) {
	inv, err := invitation.New("portal", "wss://portal.example/", "brics", "", "zone-a")
	require.NoError(t, err)
	assert.True(t, inv.AllowsIP(netip.MustParseAddr("203.0.113.9")))
}

func TestRegistryReissueReplacesPendingKeys(t *testing.T) {
	r := invitation.NewRegistry()
	first, err := r.Issue("portal", "wss://portal.example/", "brics", "", "zone-a")
	require.NoError(t, err)

	second, err := r.Issue("portal", "wss://portal.example/", "brics", "", "zone-a")
	require.NoError(t, err)

	assert.NotEqual(t, first.OuterKey, second.OuterKey)

	pending, ok := r.Peek("brics")
	require.True(t, ok)
	assert.Equal(t, second.OuterKey, pending.OuterKey)
}

func TestRegistryConsumeIsSingleUse(t *testing.T) {
	r := invitation.NewRegistry()
	_, err := r.Issue("portal", "wss://portal.example/", "brics", "", "zone-a")
	require.NoError(t, err)

	_, ok := r.Consume("brics")
	assert.True(t, ok)

	_, ok = r.Consume("brics")
	assert.False(t, ok, "second consume must find nothing pending")
}
