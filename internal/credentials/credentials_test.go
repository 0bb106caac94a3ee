package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	blob, err := Encrypt("hunter2", identity.Recipient())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !IsEncrypted(blob) {
		t.Fatalf("expected blob to be recognized as encrypted: %q", blob)
	}

	plain, err := Decrypt(blob, identity)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("expected round-trip value, got %q", plain)
	}
}

func TestReaderRejectsTraversalAndSlashKeys(t *testing.T) {
	r := NewReader(t.TempDir())

	if _, err := r.Read("myplugin", "../escape"); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
	if _, err := r.Read("myplugin", "nested/key"); err == nil {
		t.Fatal("expected slash key to be rejected")
	}
}

func TestReaderRefusesSymlink(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "plugins", "myplugin")
	if err := os.MkdirAll(pluginDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	realFile := filepath.Join(root, "real-secret")
	if err := os.WriteFile(realFile, []byte("shh"), 0o600); err != nil {
		t.Fatalf("write real file: %v", err)
	}

	linkPath := filepath.Join(pluginDir, "api-key")
	if err := os.Symlink(realFile, linkPath); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	r := NewReader(root)
	if _, err := r.Read("myplugin", "api-key"); err == nil {
		t.Fatal("expected symlinked credential file to be refused")
	}
}

func TestReaderReadsPlainFile(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "plugins", "myplugin")
	if err := os.MkdirAll(pluginDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "api-key"), []byte("sekret"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(root)
	val, err := r.Read("myplugin", "api-key")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if val != "sekret" {
		t.Fatalf("unexpected value: %q", val)
	}
}
