package multichunk

import (
	"github.com/frostbackup/frost/internal/frosterr"
	"github.com/frostbackup/frost/internal/keyfactory"
)

// Packer accumulates chunks in memory and seals them into one multichunk
// file once the active ClosePolicy says to stop. One Packer produces one
// multichunk; the backup engine creates a new Packer each time the
// previous one closes.
type Packer struct {
	factory *keyfactory.Factory
	kind    Kind
	policy  ClosePolicy

	refs []ChunkRef
	data []byte
}

// NewPacker returns an empty Packer that will compress under kind and
// close according to policy.
func NewPacker(factory *keyfactory.Factory, kind Kind, policy ClosePolicy) *Packer {
	return &Packer{factory: factory, kind: kind, policy: policy}
}

// State returns the current accumulation snapshot, for callers that want
// to consult their own close policy ahead of Append (e.g. the backup
// engine deciding whether to open a new Packer before reading the next
// source file, to keep a single file's chunks in one multichunk where
// possible).
func (p *Packer) State() ActiveState {
	return ActiveState{PlaintextBytes: uint64(len(p.data)), ChunkCount: len(p.refs)}
}

// WouldClose reports whether appending a chunk of nextChunkBytes would
// trigger a close under the Packer's policy, without mutating any state.
func (p *Packer) WouldClose(nextChunkBytes int) bool {
	return p.policy.ShouldClose(p.State(), nextChunkBytes)
}

// Append adds one chunk's plaintext to the active multichunk. The caller
// must check WouldClose and Seal beforehand if the chunk shouldn't share
// this multichunk.
func (p *Packer) Append(checksum [20]byte, data []byte) {
	p.refs = append(p.refs, ChunkRef{
		Checksum: checksum,
		Offset:   uint32(len(p.data)),
		Size:     uint32(len(data)),
	})
	p.data = append(p.data, data...)
}

// Empty reports whether any chunk has been appended yet.
func (p *Packer) Empty() bool { return len(p.refs) == 0 }

// Kind returns the compressor this Packer seals under.
func (p *Packer) Kind() Kind { return p.kind }

// Seal compresses and encrypts everything appended so far and returns the
// file contents to write, the plaintext digest (the index's Multichunk
// block key), and the chunk refs it contains (for the index's ChunkList
// bookkeeping). Sealing an empty Packer is a caller error.
func (p *Packer) Seal() (fileContents []byte, sum [32]byte, refs []ChunkRef, err error) {
	if p.Empty() {
		return nil, sum, nil, frosterr.New(frosterr.BadFormat, "multichunk.Packer.Seal", "cannot seal an empty multichunk")
	}
	fileContents, sum, err = Seal(p.factory, p.kind, p.refs, p.data)
	if err != nil {
		return nil, sum, nil, err
	}
	return fileContents, sum, p.refs, nil
}
