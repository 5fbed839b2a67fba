// Package secrets seals data at rest with age. Continuations can embed
// whatever a suspended slice was holding, so deployments that treat task
// state as sensitive encrypt the blobs before they reach the run database.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/loomworks/loom/internal/config"
)

const sealPrefix = "ENC[age:"
const sealSuffix = "]"

// KeyPath returns the default age key file path: $LOOM_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.LoomPath(), ".age-key")
}

// GenerateIdentity creates an X25519 key pair and writes it to path with
// 0o600. Idempotent: an existing file is left untouched.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by loom\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads an age private key from the given file.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}

	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return id, nil
}

// Sealer encrypts and decrypts byte blobs with a single age identity.
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer creates a sealer over the identity.
func NewSealer(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity}
}

// OpenSealer loads the identity at path, generating it first if missing.
func OpenSealer(path string) (*Sealer, error) {
	if err := GenerateIdentity(path); err != nil {
		return nil, err
	}
	id, err := LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	return NewSealer(id), nil
}

// Seal encrypts plain into an ENC[age:...] envelope. Empty input stays
// empty.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return plain, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt close: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return []byte(sealPrefix + encoded + sealSuffix), nil
}

// Open decrypts an ENC[age:...] envelope. Unsealed input passes through
// unchanged, so rows written before encryption was enabled stay readable.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if !IsSealed(blob) {
		return blob, nil
	}

	encoded := blob[len(sealPrefix) : len(blob)-len(sealSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether blob is an ENC[age:...] envelope.
func IsSealed(blob []byte) bool {
	return bytes.HasPrefix(blob, []byte(sealPrefix)) && bytes.HasSuffix(blob, []byte(sealSuffix))
}
