package xcrypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/xcrypto"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := xcrypto.Generate()
	require.NoError(t, err)

	want := payload{Name: "fred", Count: 7}
	ct, err := xcrypto.Encrypt(key, want)
	require.NoError(t, err)

	var got payload
	require.NoError(t, xcrypto.Decrypt(key, ct, &got))
	assert.Equal(t, want, got)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key, err := xcrypto.Generate()
	require.NoError(t, err)
	other, err := xcrypto.Generate()
	require.NoError(t, err)

	ct, err := xcrypto.Encrypt(key, payload{Name: "jane"})
	require.NoError(t, err)

	var got payload
	err = xcrypto.Decrypt(other, ct, &got)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Tampered)
}

func TestDecryptMalformedHex(t *testing.T) {
	key, err := xcrypto.Generate()
	require.NoError(t, err)

	var got payload
	err = xcrypto.Decrypt(key, "not-hex-at-all", &got)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Malformed)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	outer, err := xcrypto.Generate()
	require.NoError(t, err)
	inner, err := xcrypto.Generate()
	require.NoError(t, err)

	want := payload{Name: "envelope", Count: 42}
	ct, err := xcrypto.Envelope(outer, inner, want)
	require.NoError(t, err)

	var got payload
	require.NoError(t, xcrypto.Open(outer, inner, ct, &got))
	assert.Equal(t, want, got)
}

func TestKeyHexRoundTrip(t *testing.T) {
	key, err := xcrypto.Generate()
	require.NoError(t, err)

	text, err := key.MarshalText()
	require.NoError(t, err)
	assert.Len(t, text, 64)

	var parsed xcrypto.Key
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, key, parsed)
}

func TestGenerateKeysAreDistinct(t *testing.T) {
	a, err := xcrypto.Generate()
	require.NoError(t, err)
	b, err := xcrypto.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
