// Package keyfactory holds the one long-lived master key and derives a
// fresh symmetric key, nonce seed, and salt for every multichunk Frost
// writes or reads.
//
// Key hierarchy (spec.md §4.1): a user password, via a PBKDF1-style KDF,
// unlocks an AES-ECB-wrapped ECIES private key read from the key vault
// file; that private key ECIES-decrypts the master key stored in the
// index's MainHeader; every multichunk then gets its own session key via
// KDF1-SHA256(masterKey, salt).
//
// secp224k1 — the curve spec.md names for the ECIES step — has no Go
// implementation anywhere in the retrieved corpus or the standard library.
// This package substitutes the nearest available primitive, crypto/ecdh's
// P-224: an ephemeral keypair, an ECDH shared secret, and HKDF-SHA256
// (golang.org/x/crypto/hkdf) to derive an AES-256-GCM key sealing the
// payload. This is a different AEAD construction than ECIES-over-secp224k1
// but serves the identical role (encrypt to a long-term public key, decrypt
// only with the matching private key) and is documented here rather than
// silently swapped.
package keyfactory

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/ascii85"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/frostbackup/frost/internal/frosterr"
)

const (
	// MasterKeySize is the width of the long-lived symmetric master key.
	MasterKeySize = 32
	// passwordKeySize is the AES-256 key derived from the user's password.
	passwordKeySize = 32
	// pbkdfIterations fixes the password KDF's cost; spec.md calls for a
	// "fixed iteration discipline" rather than a tunable parameter, so
	// unlike the teacher's argon2 params this is not configurable.
	pbkdfIterations = 200000
	// curve is the ECIES-substitute asymmetric primitive (see package doc).
)

var curve = ecdh.P224()

// ErrWrongPassword is returned (wrapped) by Open when the vault
// entry fails to decrypt, ECIES-decrypt, or unwrap under the supplied
// password. It deliberately carries no information about which step failed.
var ErrWrongPassword = fmt.Errorf("keyfactory: wrong password or corrupt vault entry")

// passwordKey derives the AES key that wraps the vault's ECIES private key,
// using the same salt for every call so a vault entry can always be
// re-derived from (password, keyID) alone; keyID therefore doubles as the
// KDF salt, matching the teacher's practice of deriving stable per-identity
// material rather than storing a separate salt per entry.
func passwordKey(password, keyID string) []byte {
	return pbkdf2.Key([]byte(password), []byte("frost-vault:"+keyID), pbkdfIterations, passwordKeySize, sha256.New)
}

// DeriveIndexKey derives the AES-256 key used to encrypt the index file at
// rest under --safeindex. It uses a distinct KDF salt label from the
// vault-wrapping key above so the two never collide even when called with
// the same (password, keyID) pair, and needs no vault or master key to
// compute — by design, since decrypting a ciphered index must be possible
// before the ECIES-protected master key inside it has been recovered.
func DeriveIndexKey(password, keyID string) [32]byte {
	derived := pbkdf2.Key([]byte(password), []byte("frost-safeindex:"+keyID), pbkdfIterations, passwordKeySize, sha256.New)
	var key [32]byte
	copy(key[:], derived)
	return key
}

// wrapECB AES-ECB-encrypts data, which must already be a multiple of the
// block size, one block at a time. ECB is spec-mandated for vault-entry
// wrapping (spec.md §4.1); crypto/cipher has no ECB mode because chaining
// is normally required for security, so the block cipher is driven
// directly here rather than through a cipher.BlockMode.
func wrapECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("keyfactory: wrapECB: data length %d not a multiple of block size %d", len(data), block.BlockSize())
	}
	out := make([]byte, len(data))
	bs := block.BlockSize()
	for i := 0; i < len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

func unwrapECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("keyfactory: unwrapECB: data length %d not a multiple of block size %d", len(data), block.BlockSize())
	}
	out := make([]byte, len(data))
	bs := block.BlockSize()
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

// padToBlock right-pads data with zero bytes to a multiple of size. The
// unpadded length is encoded alongside the vault entry, so this is a plain
// length-prefixed pad, not PKCS#7 — zero bytes inside ECIES private key
// material are possible and must not be mistaken for padding.
func padToBlock(data []byte, size int) []byte {
	n := len(data)
	if rem := n % size; rem != 0 {
		data = append(data, make([]byte, size-rem)...)
	}
	return data
}

// eciesSeal encrypts plaintext to pub using the ECDH+HKDF+AES-GCM
// construction described in the package doc. The returned ciphertext is
// self-contained: ephemeral public key ‖ GCM nonce ‖ sealed box.
func eciesSeal(pub *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.ECDH(pub)
	if err != nil {
		return nil, err
	}
	aeadKey, err := deriveAEADKey(shared)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(aeadKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ephPub := ephemeral.PublicKey().Bytes()
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(sealed))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func deriveAEADKey(shared []byte) ([]byte, error) {
	out := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("frost-ecies-v1"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MasterKey is the 32-byte symmetric key protecting every multichunk in a
// backup set, held in memory only.
type MasterKey [MasterKeySize]byte

// Factory holds the unlocked master key and issues per-multichunk session
// material. The zero value is not ready to use; obtain one via Create or
// Open.
type Factory struct {
	master MasterKey
}

// Master returns the raw master key bytes; multichunk.Open uses it to
// re-derive a multichunk's session key from the salt stored in the file.
func (f *Factory) Master() MasterKey { return f.master }

// SessionKeys are the per-multichunk key material derived by
// DeriveForMultichunk.
type SessionKeys struct {
	Key   [32]byte // AES-256-CTR key
	Nonce [16]byte // initial counter block; high 8 bytes fixed, low 8 bytes the counter
	Salt  [32]byte // stored at the head of the multichunk ciphertext
}

// DeriveForMultichunk derives fresh session key material for a multichunk
// whose plaintext's SHA-256 digest is sum. The nonce's high 8 bytes are the
// first 8 bytes of sum (spec.md §4.1); the low 8 bytes start the AES-CTR
// block counter at 1.
func (f *Factory) DeriveForMultichunk(sum [32]byte) (SessionKeys, error) {
	var sk SessionKeys
	if _, err := io.ReadFull(rand.Reader, sk.Salt[:]); err != nil {
		return sk, frosterr.Wrap(frosterr.Crypto, "keyfactory.deriveForMultichunk", "generate salt", err)
	}
	kdf1(sk.Key[:], f.master[:], sk.Salt[:])

	copy(sk.Nonce[0:8], sum[0:8])
	binary.BigEndian.PutUint64(sk.Nonce[8:16], 1)
	return sk, nil
}

// kdf1 fills out with the KDF1-SHA256 expansion of secret under salt: the
// single-round construction that repeatedly hashes (secret ‖ salt ‖
// counter) until enough bytes are produced. This is distinct from HKDF
// (used for the ECIES substitute above) because spec.md names KDF1
// specifically for the per-multichunk derivation.
func kdf1(out, secret, salt []byte) {
	var counter uint32
	for written := 0; written < len(out); {
		h := sha256.New()
		h.Write(secret)
		h.Write(salt)
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		h.Write(ctr[:])
		sum := h.Sum(nil)
		n := copy(out[written:], sum)
		written += n
		counter++
	}
}

// vaultEntry is one decoded line pair from the key vault file.
type vaultEntry struct {
	keyID      string
	privSize   int
	ciphertext []byte
}

// Create generates a new ECIES keypair and master key, appends the
// encrypted private key to the vault under keyID, and returns the master
// key ciphertext that belongs in the index's MainHeader. It fails if keyID
// already exists in the vault, or if an existing vault file's permission
// bits are not exactly 0600.
func Create(vaultPath, password, keyID string) (*Factory, []byte, error) {
	if err := checkVaultPermissions(vaultPath); err != nil {
		return nil, nil, err
	}
	if exists, err := vaultHasKeyID(vaultPath, keyID); err != nil {
		return nil, nil, err
	} else if exists {
		return nil, nil, frosterr.New(frosterr.Policy, "keyfactory.create", fmt.Sprintf("key id %q already present in vault %s", keyID, vaultPath))
	}

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.create", "generate ECIES keypair", err)
	}

	var masterSeed [64]byte
	if _, err := io.ReadFull(rand.Reader, masterSeed[:]); err != nil {
		return nil, nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.create", "read master key entropy", err)
	}
	master := sha256.Sum256(masterSeed[:])

	cipheredMaster, err := eciesSeal(priv.PublicKey(), master[:])
	if err != nil {
		return nil, nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.create", "seal master key", err)
	}

	privBytes := priv.Bytes()
	padded := padToBlock(privBytes, aes.BlockSize)
	wrapped, err := wrapECB(passwordKey(password, keyID), padded)
	if err != nil {
		return nil, nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.create", "wrap private key", err)
	}

	if err := appendVaultEntry(vaultPath, keyID, len(privBytes), wrapped); err != nil {
		return nil, nil, err
	}

	return &Factory{master: MasterKey(master)}, cipheredMaster, nil
}

// Open unlocks an existing vault entry under keyID with password and
// ECIES-decrypts cipheredMaster (the MainHeader's stored ciphertext) to
// recover the master key. On wrong password, it returns ErrWrongPassword
// and never exposes partial key material.
func Open(vaultPath, password, keyID string, cipheredMaster []byte) (*Factory, error) {
	entry, err := findVaultEntry(vaultPath, keyID)
	if err != nil {
		return nil, err
	}

	padded, err := unwrapECB(passwordKey(password, keyID), entry.ciphertext)
	if err != nil || entry.privSize > len(padded) {
		return nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.open", fmt.Sprintf("key vault %s", vaultPath), ErrWrongPassword)
	}
	privBytes := padded[:entry.privSize]

	priv, err := curve.NewPrivateKey(privBytes)
	if err != nil {
		return nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.open", fmt.Sprintf("key vault %s", vaultPath), ErrWrongPassword)
	}

	master, err := eciesOpenGCM(priv, cipheredMaster)
	if err != nil {
		return nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.open", fmt.Sprintf("key vault %s", vaultPath), ErrWrongPassword)
	}
	if len(master) != MasterKeySize {
		return nil, frosterr.Wrap(frosterr.Crypto, "keyfactory.open", fmt.Sprintf("key vault %s", vaultPath), ErrWrongPassword)
	}

	var mk MasterKey
	copy(mk[:], master)
	return &Factory{master: mk}, nil
}

// eciesOpenGCM reverses eciesSeal: ephemeral public key ‖ nonce ‖ sealed box.
func eciesOpenGCM(priv *ecdh.PrivateKey, ciphertext []byte) ([]byte, error) {
	pubLen := len(priv.PublicKey().Bytes())
	if len(ciphertext) < pubLen {
		return nil, fmt.Errorf("keyfactory: ciphertext too short")
	}
	ephPubBytes := ciphertext[:pubLen]
	rest := ciphertext[pubLen:]

	ephPub, err := curve.NewPublicKey(ephPubBytes)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, err
	}
	aeadKey, err := deriveAEADKey(shared)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(aeadKey)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("keyfactory: ciphertext too short for nonce")
	}
	nonce := rest[:gcm.NonceSize()]
	sealed := rest[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func checkVaultPermissions(vaultPath string) error {
	info, err := os.Stat(vaultPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return frosterr.Wrap(frosterr.IO, "keyfactory.checkVaultPermissions", vaultPath, err)
	}
	if info.Mode().Perm() != 0o600 {
		return frosterr.New(frosterr.Policy, "keyfactory.checkVaultPermissions", fmt.Sprintf("key vault %s must be mode 0600, has %o", vaultPath, info.Mode().Perm()))
	}
	return nil
}

func vaultHasKeyID(vaultPath, keyID string) (bool, error) {
	_, err := findVaultEntry(vaultPath, keyID)
	if err == nil {
		return true, nil
	}
	if k, ok := frosterr.KindOf(err); ok && k == frosterr.NotFound {
		return false, nil
	}
	return false, err
}

func findVaultEntry(vaultPath, keyID string) (vaultEntry, error) {
	data, err := os.ReadFile(vaultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return vaultEntry{}, frosterr.New(frosterr.NotFound, "keyfactory.findVaultEntry", fmt.Sprintf("key vault %s does not exist", vaultPath))
		}
		return vaultEntry{}, frosterr.Wrap(frosterr.IO, "keyfactory.findVaultEntry", vaultPath, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := 0; i+1 < len(lines); i += 2 {
		header := strings.Fields(lines[i])
		if len(header) != 2 {
			return vaultEntry{}, frosterr.New(frosterr.BadFormat, "keyfactory.findVaultEntry", fmt.Sprintf("malformed vault header line %q", lines[i]))
		}
		var size int
		if _, err := fmt.Sscanf(header[0], "%d", &size); err != nil {
			return vaultEntry{}, frosterr.Wrap(frosterr.BadFormat, "keyfactory.findVaultEntry", "parse key size", err)
		}
		id := header[1]
		if id != keyID {
			continue
		}
		decoded := make([]byte, len(lines[i+1]))
		n, _, err := ascii85.Decode(decoded, []byte(lines[i+1]), true)
		if err != nil {
			return vaultEntry{}, frosterr.Wrap(frosterr.BadFormat, "keyfactory.findVaultEntry", "decode vault entry", err)
		}
		return vaultEntry{keyID: id, privSize: size, ciphertext: decoded[:n]}, nil
	}
	return vaultEntry{}, frosterr.New(frosterr.NotFound, "keyfactory.findVaultEntry", fmt.Sprintf("key id %q not found in vault %s", keyID, vaultPath))
}

func appendVaultEntry(vaultPath, keyID string, privSize int, wrapped []byte) error {
	f, err := os.OpenFile(vaultPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return frosterr.Wrap(frosterr.IO, "keyfactory.appendVaultEntry", vaultPath, err)
	}
	defer f.Close()

	encoded := make([]byte, ascii85.MaxEncodedLen(len(wrapped)))
	n := ascii85.Encode(encoded, wrapped)

	if _, err := fmt.Fprintf(f, "%d %s\n%s\n", privSize, keyID, encoded[:n]); err != nil {
		return frosterr.Wrap(frosterr.IO, "keyfactory.appendVaultEntry", vaultPath, err)
	}
	return nil
}
