// Package xcrypto implements the symmetric AEAD primitive every other layer
// of OpenPortal builds on: key generation, encrypt/decrypt of a canonically
// JSON-encoded value, and the envelope helper that applies double encryption
// for connection payloads.
//
// The cipher is XChaCha20-Poly1305: a 24-byte random nonce is generated per
// message and prepended to the ciphertext before hex-encoding, so the output
// travels safely in a websocket text frame. The config package seals its
// passphrase-encrypted [secrets] table with the same Encrypt/Decrypt pair.
package xcrypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/isambard-sc/openportal/internal/xerrors"
)

// KeySize is the length in bytes of a Key (256 bits).
const KeySize = chacha20poly1305.KeySize // 32

// Key is a 256-bit AEAD secret. It must never be logged; call Zero once the
// key is no longer needed (on disconnect, or when an Invitation is consumed)
// to scrub the backing array.
type Key [KeySize]byte

// Generate returns a fresh, cryptographically random Key.
func Generate() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("xcrypto: generate: %w", err)
	}
	return k, nil
}

// Zero overwrites the key material with zeroes. It does not prevent the Go
// runtime from having copied the bytes elsewhere (e.g. during a prior
// encrypt/decrypt call's stack frames before they were reused), but it
// removes the only long-lived copy this package is responsible for.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// IsZero reports whether the key is all-zero, i.e. never assigned.
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// String never reveals key material; it exists so accidental fmt.Sprintf("%v",
// key) calls in log statements do not leak the secret.
func (k Key) String() string {
	return "xcrypto.Key(redacted)"
}

// MarshalText renders the key as 64 lowercase hex characters, the format
// configuration and invitation files use for keys on disk.
func (k Key) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(KeySize))
	hex.Encode(dst, k[:])
	return dst, nil
}

// UnmarshalText parses a 64-hex-character key, as found in a configuration
// or invitation file.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(KeySize) {
		return fmt.Errorf("xcrypto: key must be %d hex characters, got %d", hex.EncodedLen(KeySize), len(text))
	}
	decoded := make([]byte, KeySize)
	if _, err := hex.Decode(decoded, text); err != nil {
		return fmt.Errorf("xcrypto: decode key: %w", err)
	}
	copy(k[:], decoded)
	return nil
}

// KeyFromHex parses a 64-hex-character string into a Key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}

// HexString is ciphertext hex-encoded so it can travel in a text frame.
type HexString string

// Encrypt seals value (any structure with a canonical JSON encoding) under
// key and returns the hex-encoded nonce||ciphertext.
func Encrypt(key Key, value any) (HexString, error) {
	if key.IsZero() {
		return "", fmt.Errorf("xcrypto: encrypt: %w", xerrors.BadKey)
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("xcrypto: marshal: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", fmt.Errorf("xcrypto: new aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("xcrypto: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return HexString(hex.EncodeToString(sealed)), nil
}

// Decrypt opens ciphertext under key and unmarshals the plaintext JSON into
// out (a pointer). Returns xerrors.Malformed for non-hex or too-short input,
// xerrors.Tampered for an AEAD authentication failure.
func Decrypt(key Key, ciphertext HexString, out any) error {
	if key.IsZero() {
		return fmt.Errorf("xcrypto: decrypt: %w", xerrors.BadKey)
	}

	raw, err := hex.DecodeString(string(ciphertext))
	if err != nil {
		return fmt.Errorf("xcrypto: decode hex: %w", xerrors.Malformed)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return fmt.Errorf("xcrypto: new aead: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return fmt.Errorf("xcrypto: short ciphertext: %w", xerrors.Malformed)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("xcrypto: open: %w", xerrors.Tampered)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("xcrypto: unmarshal: %w", xerrors.Malformed)
	}
	return nil
}

// Envelope applies double encryption: encrypt v under inner, then encrypt the
// resulting hex ciphertext under outer. Used for the handshake (invitation
// keys wrapping a session-key payload) and for every Connection frame
// (session keys wrapping a Message).
func Envelope(outer, inner Key, v any) (HexString, error) {
	innerCt, err := Encrypt(inner, v)
	if err != nil {
		return "", fmt.Errorf("xcrypto: envelope inner: %w", err)
	}
	outerCt, err := Encrypt(outer, innerCt)
	if err != nil {
		return "", fmt.Errorf("xcrypto: envelope outer: %w", err)
	}
	return outerCt, nil
}

// Open inverts Envelope: decrypt under outer to recover the inner
// HexString, then decrypt that under inner into out.
func Open(outer, inner Key, ciphertext HexString, out any) error {
	var innerCt HexString
	if err := Decrypt(outer, ciphertext, &innerCt); err != nil {
		return fmt.Errorf("xcrypto: open outer: %w", err)
	}
	if err := Decrypt(inner, innerCt, out); err != nil {
		return fmt.Errorf("xcrypto: open inner: %w", err)
	}
	return nil
}
