package index

// safeindex.go implements the optional at-rest encryption of the index file
// itself (spec.md's "index.frost.aes" sidecar, enabled by --safeindex). This
// is a wrapper around the plaintext index file, not a change to the index
// format read/written by Model: a ciphered index is always decrypted to a
// plaintext temp file before Open/Create touch it.
//
// The encryption key is derived directly from the vault password
// (keyfactory.DeriveIndexKey), not the ECIES-protected master key stored
// inside the index itself — decrypting the index must be possible before
// that master key has been recovered.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"

	"github.com/frostbackup/frost/internal/frosterr"
)

// safeIndexHeaderSize is nonce(16) + sha256 of plaintext(32).
const safeIndexHeaderSize = 16 + 32

// EncryptFile reads the plaintext index at plainPath and writes an
// AES-CTR-ciphered copy to aesPath, prefixed by a random nonce and the
// SHA-256 digest of the plaintext (spec.md §6: "<remote>/index.frost.aes").
func EncryptFile(plainPath, aesPath string, key [32]byte) error {
	plaintext, err := os.ReadFile(plainPath)
	if err != nil {
		return frosterr.Wrap(frosterr.IO, "index.EncryptFile", plainPath, err)
	}
	sum := sha256.Sum256(plaintext)

	var nonce [16]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return frosterr.Wrap(frosterr.Crypto, "index.EncryptFile", "generate nonce", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return frosterr.Wrap(frosterr.Crypto, "index.EncryptFile", "new cipher", err)
	}
	stream := cipher.NewCTR(block, nonce[:])
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	out := make([]byte, 0, safeIndexHeaderSize+len(ciphertext))
	out = append(out, nonce[:]...)
	out = append(out, sum[:]...)
	out = append(out, ciphertext...)

	if err := os.WriteFile(aesPath, out, 0o600); err != nil {
		return frosterr.Wrap(frosterr.IO, "index.EncryptFile", aesPath, err)
	}
	return nil
}

// DecryptFile reverses EncryptFile, verifying the stored SHA-256 digest
// against the recovered plaintext and returning it. It never writes a file;
// the caller decides where (or whether) to persist the plaintext.
func DecryptFile(aesPath string, key [32]byte) ([]byte, error) {
	data, err := os.ReadFile(aesPath)
	if err != nil {
		return nil, frosterr.Wrap(frosterr.IO, "index.DecryptFile", aesPath, err)
	}
	if len(data) < safeIndexHeaderSize {
		return nil, frosterr.New(frosterr.BadFormat, "index.DecryptFile", "ciphered index shorter than its header")
	}
	nonce := data[0:16]
	wantSum := data[16:48]
	ciphertext := data[48:]

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, frosterr.Wrap(frosterr.Crypto, "index.DecryptFile", "new cipher", err)
	}
	stream := cipher.NewCTR(block, nonce)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	gotSum := sha256.Sum256(plaintext)
	if !equalDigest(gotSum[:], wantSum) {
		return nil, frosterr.New(frosterr.Crypto, "index.DecryptFile", "decrypted index digest mismatch (wrong password/key or corrupt file)")
	}
	return plaintext, nil
}

func equalDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
