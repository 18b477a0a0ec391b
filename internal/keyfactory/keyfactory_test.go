package keyfactory

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/frostbackup/frost/internal/frosterr"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")

	factory, ciphered, err := Create(vault, "correct horse", "primary")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	opened, err := Open(vault, "correct horse", "primary", ciphered)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.Master() != factory.Master() {
		t.Fatal("recovered master key does not match the one generated at Create")
	}
}

func TestOpenWrongPassword(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")

	_, ciphered, err := Create(vault, "correct horse", "primary")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = Open(vault, "wrong password", "primary", ciphered)
	if err == nil {
		t.Fatal("expected error opening with wrong password")
	}
	if kind, ok := frosterr.KindOf(err); !ok || kind != frosterr.Crypto {
		t.Fatalf("expected Crypto-kind error, got %v", err)
	}
}

func TestOpenUnknownKeyID(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")

	_, ciphered, err := Create(vault, "pw", "primary")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = Open(vault, "pw", "secondary", ciphered)
	if err == nil {
		t.Fatal("expected error for unknown key id")
	}
}

func TestCreateDuplicateKeyIDFails(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")

	if _, _, err := Create(vault, "pw", "primary"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, _, err := Create(vault, "pw", "primary")
	if err == nil {
		t.Fatal("expected error creating duplicate key id")
	}
	if kind, ok := frosterr.KindOf(err); !ok || kind != frosterr.Policy {
		t.Fatalf("expected Policy-kind error, got %v", err)
	}
}

func TestCreateRejectsBadVaultPermissions(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")
	if err := os.WriteFile(vault, []byte{}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, _, err := Create(vault, "pw", "primary")
	if err == nil {
		t.Fatal("expected error for vault with wrong permission bits")
	}
	if kind, ok := frosterr.KindOf(err); !ok || kind != frosterr.Policy {
		t.Fatalf("expected Policy-kind error, got %v", err)
	}
}

func TestMultipleKeyIDsInOneVault(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")

	_, c1, err := Create(vault, "pw-one", "alice")
	if err != nil {
		t.Fatalf("Create alice: %v", err)
	}
	_, c2, err := Create(vault, "pw-two", "bob")
	if err != nil {
		t.Fatalf("Create bob: %v", err)
	}

	if _, err := Open(vault, "pw-one", "alice", c1); err != nil {
		t.Fatalf("Open alice: %v", err)
	}
	if _, err := Open(vault, "pw-two", "bob", c2); err != nil {
		t.Fatalf("Open bob: %v", err)
	}
	if _, err := Open(vault, "pw-one", "bob", c2); err == nil {
		t.Fatal("expected alice's password to fail against bob's entry")
	}
}

func TestDeriveForMultichunkFreshSaltAndKeyStableNonce(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")
	factory, _, err := Create(vault, "pw", "primary")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sum := sha256.Sum256([]byte("multichunk contents"))

	a, err := factory.DeriveForMultichunk(sum)
	if err != nil {
		t.Fatalf("DeriveForMultichunk: %v", err)
	}
	b, err := factory.DeriveForMultichunk(sum)
	if err != nil {
		t.Fatalf("DeriveForMultichunk: %v", err)
	}

	if a.Salt == b.Salt {
		t.Fatal("expected distinct random salts across calls")
	}
	if a.Key == b.Key {
		t.Fatal("expected distinct derived keys from distinct salts")
	}
	if !bytes.Equal(a.Nonce[0:8], b.Nonce[0:8]) {
		t.Fatal("expected nonce high bytes to be stable for the same multichunk sum")
	}
}
