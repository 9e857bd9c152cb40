// Package config loads and saves the per-agent TOML configuration file
// spec.md §6 describes: agent identity and type, the local service's bind
// address, the servers this agent dials out to and the clients it accepts
// dial-ins from, a free-form extras table, and a secrets table that is
// either stored plaintext ("simple" mode) or passphrase-encrypted
// ("encrypted" mode). Grounded on the teacher's own TOML convention
// (internal/invitation uses BurntSushi/toml for the same table shape) and
// on server/internal/auth/local.go's Argon2id parameters, repurposed here
// for key derivation instead of password hashing.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/argon2"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/xcrypto"
)

// Argon2id parameters for deriving an encrypted-secrets key from an
// operator-supplied passphrase. Mirrors the teacher's password-hashing
// parameters (server/internal/auth/local.go); the OWASP minimum time cost
// is 1, 2 gives a better margin.
const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2SaltLen = 16
)

// SecretsMode selects how the [secrets] table is stored at rest.
type SecretsMode string

const (
	SecretsSimple    SecretsMode = "simple"
	SecretsEncrypted SecretsMode = "encrypted"
)

// ServiceServer is one outbound peer this agent dials, the
// [[service.servers]] table shape from spec.md §6.
type ServiceServer struct {
	Name     identity.AgentName `toml:"name"`
	URL      string             `toml:"url"`
	OuterKey xcrypto.Key        `toml:"outer_key"`
	InnerKey xcrypto.Key        `toml:"inner_key"`
	Zone     identity.Zone      `toml:"zone"`
}

// ServiceClient is one inbound peer allowed to dial this agent, the
// [[service.clients]] table shape from spec.md §6.
type ServiceClient struct {
	Name     identity.AgentName `toml:"name"`
	IPRange  string             `toml:"ip_range"`
	OuterKey xcrypto.Key        `toml:"outer_key"`
	InnerKey xcrypto.Key        `toml:"inner_key"`
	Zone     identity.Zone      `toml:"zone"`
}

// Service is the [service] table: this agent's own coordinates plus the
// peers it dials and the peers it accepts.
type Service struct {
	Name    identity.AgentName `toml:"name"`
	URL     string             `toml:"url"`
	IP      string             `toml:"ip"`
	Port    int                `toml:"port"`
	Zone    identity.Zone      `toml:"zone"`
	Servers []ServiceServer    `toml:"servers"`
	Clients []ServiceClient    `toml:"clients"`
}

// encryptedSecrets is the on-disk shape of an "encrypted" [secrets] table:
// the salt used to derive the key from the operator's passphrase, plus the
// hex-encoded nonce||ciphertext produced by xcrypto.Encrypt.
type encryptedSecrets struct {
	Salt       string            `toml:"salt"`
	Ciphertext xcrypto.HexString `toml:"ciphertext"`
}

// Config is the full per-agent configuration file, spec.md §6's top-level
// table.
type Config struct {
	Agent   identity.AgentType `toml:"agent"`
	Service Service            `toml:"service"`
	Extras  map[string]string  `toml:"extras"`

	// Mode records how Secrets was stored the last time this Config was
	// loaded or saved, so Save round-trips it without the caller having to
	// track it separately.
	Mode SecretsMode `toml:"-"`
	// Secrets holds the plaintext values of the [secrets] table once
	// loaded, regardless of the on-disk mode.
	Secrets map[string]string `toml:"-"`

	// encSecrets carries the encrypted-mode on-disk payload across a
	// Load/Save pair when the caller never supplies a passphrase (e.g. a
	// CLI subcommand that edits [extras] only and re-saves without
	// touching [secrets]).
	encSecrets *encryptedSecrets
}

// fileShape is the literal TOML document shape, split from Config so
// Secrets/encSecrets (exactly one of which is populated, depending on Mode)
// get separate field names on disk.
type fileShape struct {
	Agent   identity.AgentType `toml:"agent"`
	Service Service            `toml:"service"`
	Extras  map[string]string  `toml:"extras"`

	Secrets          map[string]string `toml:"secrets,omitempty"`
	EncryptedSecrets *encryptedSecrets `toml:"secrets_encrypted,omitempty"`
}

// New returns an empty Config for the given agent type, ready for the CLI's
// `init` subcommand to populate.
func New(agent identity.AgentType) *Config {
	return &Config{
		Agent:   agent,
		Extras:  make(map[string]string),
		Secrets: make(map[string]string),
		Mode:    SecretsSimple,
	}
}

// Load reads and parses a configuration file at path. passphrase is used to
// decrypt [secrets] if the file was saved in encrypted mode; it is ignored
// otherwise. An empty passphrase with an encrypted-mode file leaves
// Secrets nil and Mode set to SecretsEncrypted, letting callers that don't
// need the secrets (e.g. `extra -l`) still load the rest of the file.
func Load(path string, passphrase string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fs fileShape
	if _, err := toml.Decode(string(raw), &fs); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{
		Agent:   fs.Agent,
		Service: fs.Service,
		Extras:  fs.Extras,
	}
	if cfg.Extras == nil {
		cfg.Extras = make(map[string]string)
	}

	switch {
	case fs.EncryptedSecrets != nil:
		cfg.Mode = SecretsEncrypted
		cfg.encSecrets = fs.EncryptedSecrets
		if passphrase != "" {
			secrets, err := decryptSecrets(*fs.EncryptedSecrets, passphrase)
			if err != nil {
				return nil, fmt.Errorf("config: decrypt secrets in %s: %w", path, err)
			}
			cfg.Secrets = secrets
		}
	default:
		cfg.Mode = SecretsSimple
		cfg.Secrets = fs.Secrets
		if cfg.Secrets == nil {
			cfg.Secrets = make(map[string]string)
		}
	}

	return cfg, nil
}

// Save writes c to path in its current Mode. passphrase is required when
// Mode is SecretsEncrypted and c.Secrets has been modified since Load; if
// c.Secrets is nil and an encrypted payload was carried over from Load,
// that payload is written back unchanged.
func Save(c *Config, path string, passphrase string) error {
	fs := fileShape{
		Agent:   c.Agent,
		Service: c.Service,
		Extras:  c.Extras,
	}

	switch c.Mode {
	case SecretsEncrypted:
		switch {
		case c.Secrets != nil:
			if passphrase == "" {
				return fmt.Errorf("config: encrypted mode needs a passphrase to save secrets")
			}
			enc, err := encryptSecrets(c.Secrets, passphrase)
			if err != nil {
				return fmt.Errorf("config: encrypt secrets: %w", err)
			}
			fs.EncryptedSecrets = &enc
		case c.encSecrets != nil:
			fs.EncryptedSecrets = c.encSecrets
		default:
			return fmt.Errorf("config: encrypted mode with no secrets and no passphrase-protected payload to carry over")
		}
	default:
		fs.Secrets = c.Secrets
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(fs); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// deriveKey runs Argon2id over passphrase with salt, producing a key sized
// for xcrypto's AEAD.
func deriveKey(passphrase string, salt []byte) xcrypto.Key {
	derived := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, xcrypto.KeySize)
	var key xcrypto.Key
	copy(key[:], derived)
	return key
}

func encryptSecrets(secrets map[string]string, passphrase string) (encryptedSecrets, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return encryptedSecrets{}, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	defer key.Zero()

	ciphertext, err := xcrypto.Encrypt(key, secrets)
	if err != nil {
		return encryptedSecrets{}, err
	}
	return encryptedSecrets{
		Salt:       hex.EncodeToString(salt),
		Ciphertext: ciphertext,
	}, nil
}

func decryptSecrets(enc encryptedSecrets, passphrase string) (map[string]string, error) {
	salt, err := hex.DecodeString(enc.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	defer key.Zero()

	var secrets map[string]string
	if err := xcrypto.Decrypt(key, enc.Ciphertext, &secrets); err != nil {
		return nil, err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return secrets, nil
}
