// Package credentials implements credential encryption-at-rest (age,
// ENC[age:...] blob framing) and a plugin-scoped credential reader that
// refuses to open any credential file that is a symlink.
package credentials

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

const encPrefix = "ENC[age:"
const encSuffix = "]"

// GenerateIdentity creates an X25519 key pair at path with 0600 perms.
// Idempotent: does nothing if path already exists.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by carapace\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads an age private key from path.
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

// Encrypt encrypts plaintext for recipient, returning an ENC[age:...] blob.
func Encrypt(plaintext string, recipient *age.X25519Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt decrypts an ENC[age:...] blob back to plaintext.
func Decrypt(blob string, identity *age.X25519Identity) (string, error) {
	if !IsEncrypted(blob) {
		return "", fmt.Errorf("not an encrypted blob")
	}
	encoded := blob[len(encPrefix) : len(blob)-len(encSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plainBytes, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plainBytes), nil
}

// IsEncrypted reports whether s is an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}

// Reader resolves and opens plugin-scoped credential files under root, at
// "plugins/{pluginName}/{key}", refusing to follow any symlink.
type Reader struct {
	root string
}

// NewReader returns a Reader rooted at the supervisor's credentials
// directory.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// Read resolves ${root}/plugins/{pluginName}/{key} and returns its
// contents. key must contain no '/', no "..", no NUL. The file is opened
// through a path that refuses to follow symbolic links; any error message
// never includes the credential value.
func (r *Reader) Read(pluginName, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if err := validateKey(pluginName); err != nil {
		return "", fmt.Errorf("invalid plugin name: %w", err)
	}

	path := filepath.Join(r.root, "plugins", pluginName, key)

	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("credential %q: not found", key)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("credential %q: refuses to follow symlink", key)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("credential %q: read failed", key)
	}
	return string(data), nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty credential key")
	}
	if strings.Contains(key, "/") {
		return fmt.Errorf("credential key must not contain '/'")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("credential key must not contain '..'")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("credential key must not contain NUL")
	}
	return nil
}
