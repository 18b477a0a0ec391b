package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/frostbackup/frost/internal/keyfactory"
)

func TestEncryptDecryptFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "index.frost")
	content := []byte("pretend this is a plaintext frost index file")
	if err := os.WriteFile(plainPath, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	key := keyfactory.DeriveIndexKey("correct horse battery staple", "primary")

	aesPath := filepath.Join(dir, "index.frost.aes")
	if err := EncryptFile(plainPath, aesPath, key); err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}

	got, err := DecryptFile(aesPath, key)
	if err != nil {
		t.Fatalf("DecryptFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("round trip mismatch: got %q, want %q", got, content)
	}
}

func TestDecryptFileRejectsWrongKey(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "index.frost")
	if err := os.WriteFile(plainPath, []byte("some index bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	key := keyfactory.DeriveIndexKey("correct horse battery staple", "primary")
	wrong := keyfactory.DeriveIndexKey("wrong password entirely", "primary")

	aesPath := filepath.Join(dir, "index.frost.aes")
	if err := EncryptFile(plainPath, aesPath, key); err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}

	if _, err := DecryptFile(aesPath, wrong); err == nil {
		t.Fatal("expected DecryptFile with the wrong key to fail")
	}
}

func TestDecryptFileRejectsTruncatedHeader(t *testing.T) {
	dir := t.TempDir()
	aesPath := filepath.Join(dir, "index.frost.aes")
	if err := os.WriteFile(aesPath, []byte("short"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	key := keyfactory.DeriveIndexKey("irrelevant", "primary")
	if _, err := DecryptFile(aesPath, key); err == nil {
		t.Fatal("expected DecryptFile on a truncated file to fail")
	}
}
