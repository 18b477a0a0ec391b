// Package multichunk implements the pack/unpack pipeline that groups many
// small content-defined chunks into one on-disk file: accumulate chunks in
// memory, compress the batch, encrypt it, and write it out under a name
// derived from its own hash (Packer); later, read that file back, decrypt,
// decompress, and hand out individual chunks by checksum (Reader). A Cache
// bounds how much decompressed plaintext is held in memory across repeated
// Reader.Chunk calls during a restore.
//
// Grounded on the teacher's internal/chunk package: ChunkManager's
// accumulate-then-seal lifecycle, rotation.go's pure ClosePolicy objects,
// and key_dict.go's sequential string table, all repurposed here for
// multichunk sizing and dedup string storage instead of log-record chunks.
package multichunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/frostbackup/frost/internal/frosterr"
	"github.com/frostbackup/frost/internal/keyfactory"
)

// ChunkRef locates one chunk inside a multichunk's plaintext blob.
type ChunkRef struct {
	Checksum [20]byte
	Offset   uint32
	Size     uint32
}

// blob is the decoded form of a multichunk's plaintext payload: a table of
// chunk references followed by the concatenated chunk bytes they point
// into.
type blob struct {
	refs []ChunkRef
	data []byte
}

func encodeBlob(b blob) []byte {
	size := 4
	for range b.refs {
		size += 20 + 4 + 4
	}
	size += len(b.data)

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(b.refs)))
	offset := 4
	for _, r := range b.refs {
		copy(buf[offset:offset+20], r.Checksum[:])
		offset += 20
		binary.LittleEndian.PutUint32(buf[offset:offset+4], r.Offset)
		offset += 4
		binary.LittleEndian.PutUint32(buf[offset:offset+4], r.Size)
		offset += 4
	}
	copy(buf[offset:], b.data)
	return buf
}

func decodeBlob(data []byte) (blob, error) {
	if len(data) < 4 {
		return blob{}, frosterr.New(frosterr.BadFormat, "multichunk.decodeBlob", "truncated chunk table header")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	offset := 4
	refs := make([]ChunkRef, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+28 > len(data) {
			return blob{}, frosterr.New(frosterr.BadFormat, "multichunk.decodeBlob", "truncated chunk table entry")
		}
		var ref ChunkRef
		copy(ref.Checksum[:], data[offset:offset+20])
		offset += 20
		ref.Offset = binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4
		ref.Size = binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4
		refs = append(refs, ref)
	}
	return blob{refs: refs, data: data[offset:]}, nil
}

// ctrStream returns an AES-256-CTR stream cipher seeded from sk, used
// identically for sealing and opening since CTR mode is its own inverse.
func ctrStream(sk keyfactory.SessionKeys) (cipher.Stream, error) {
	block, err := aes.NewCipher(sk.Key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, sk.Nonce[:]), nil
}

// FileName returns the on-disk name for a multichunk whose plaintext blob
// hashes to sum: base16(sha256) ‖ ".#", matching Multichunk::getFileName's
// literal two-character suffix. The name depends only on the hash, never on
// the multichunk's index-assigned ID, so two multichunks with identical
// plaintext always collide onto the same file — the dedup invariant
// spec.md §3 requires.
func FileName(sum [32]byte) string {
	return hex.EncodeToString(sum[:]) + ".#"
}

// Seal compresses refs+data under kind, encrypts it for masterKey, and
// returns the multichunk's file contents (salt ‖ ciphertext), its
// plaintext digest, and the session salt — the digest and salt are what
// the index's Multichunk block must record to read it back.
func Seal(factory *keyfactory.Factory, kind Kind, refs []ChunkRef, data []byte) (fileContents []byte, sum [32]byte, err error) {
	plain := encodeBlob(blob{refs: refs, data: data})
	sum = sha256.Sum256(plain)

	sk, err := factory.DeriveForMultichunk(sum)
	if err != nil {
		return nil, sum, err
	}

	compressed, err := Compress(kind, plain)
	if err != nil {
		return nil, sum, frosterr.Wrap(frosterr.IO, "multichunk.Seal", "compress", err)
	}

	stream, err := ctrStream(sk)
	if err != nil {
		return nil, sum, frosterr.Wrap(frosterr.Crypto, "multichunk.Seal", "init cipher", err)
	}
	ciphertext := make([]byte, len(compressed))
	stream.XORKeyStream(ciphertext, compressed)

	out := make([]byte, 0, len(sk.Salt)+len(ciphertext))
	out = append(out, sk.Salt[:]...)
	out = append(out, ciphertext...)
	return out, sum, nil
}

// Open decrypts and decompresses a multichunk file previously produced by
// Seal. expectedSum is the digest recorded in the index's Multichunk block
// (and embedded in the file's name); Open recomputes the digest of the
// recovered plaintext and fails with a Crypto-kind error if it doesn't
// match, catching both a wrong password and on-disk corruption in the same
// check.
func Open(factory *keyfactory.Factory, kind Kind, expectedSum [32]byte, fileContents []byte) ([]ChunkRef, []byte, error) {
	if len(fileContents) < 32 {
		return nil, nil, frosterr.New(frosterr.BadFormat, "multichunk.Open", "file shorter than salt header")
	}
	var salt [32]byte
	copy(salt[:], fileContents[:32])
	ciphertext := fileContents[32:]

	var sk keyfactory.SessionKeys
	sk.Salt = salt
	master := factory.Master()
	kdf1(sk.Key[:], master[:], salt[:])
	copy(sk.Nonce[0:8], expectedSum[0:8])
	binary.BigEndian.PutUint64(sk.Nonce[8:16], 1)

	stream, err := ctrStream(sk)
	if err != nil {
		return nil, nil, frosterr.Wrap(frosterr.Crypto, "multichunk.Open", "init cipher", err)
	}
	compressed := make([]byte, len(ciphertext))
	stream.XORKeyStream(compressed, ciphertext)

	plain, err := Decompress(kind, compressed)
	if err != nil {
		return nil, nil, frosterr.Wrap(frosterr.Crypto, "multichunk.Open", "decompress (wrong password or corrupt file)", err)
	}

	gotSum := sha256.Sum256(plain)
	if gotSum != expectedSum {
		return nil, nil, frosterr.New(frosterr.Crypto, "multichunk.Open", "plaintext digest does not match expected multichunk hash")
	}

	b, err := decodeBlob(plain)
	if err != nil {
		return nil, nil, err
	}
	return b.refs, b.data, nil
}

// kdf1 mirrors keyfactory's unexported KDF1-SHA256 expansion: Open needs to
// re-derive a session key from the stored salt, not mint a fresh one via
// Factory.DeriveForMultichunk. Duplicated rather than exported because it
// is a two-line primitive and exporting it would leak keyfactory's internal
// derivation scheme to an unrelated package.
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
