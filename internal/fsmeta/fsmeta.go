// Package fsmeta encodes and restores the POSIX-style metadata record
// attached to each FileTree item: mode, owner, group, modification time,
// size, and — for symlinks — the link target.
//
// The wire format is a fixed-then-variable little-endian record, the same
// length-prefixed idiom the teacher uses for its own self-contained
// records (see internal/chunk/types.go Attributes.Encode).
package fsmeta

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"
)

// ErrTruncated is returned by Decode when data is shorter than the record
// it claims to hold.
var ErrTruncated = errors.New("fsmeta: truncated metadata record")

// Metadata is the decoded form of one FileTree item's metadata blob.
type Metadata struct {
	Mode       uint32 // full os.FileMode bits, including type bits
	UID        uint32
	GID        uint32
	MTimeUnix  int64 // seconds since epoch, UTC
	MTimeNsec  int32
	Size       int64
	LinkTarget string // non-empty only for symlinks
}

// fixedSize is the byte count of every field up to and including Size;
// LinkTarget follows as a uint16-length-prefixed tail.
const fixedSize = 4 + 4 + 4 + 8 + 4 + 8

// Encode serializes m into the binary layout stored in a FileTree item.
func (m Metadata) Encode() []byte {
	buf := make([]byte, fixedSize+2+len(m.LinkTarget))
	binary.LittleEndian.PutUint32(buf[0:4], m.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], m.UID)
	binary.LittleEndian.PutUint32(buf[8:12], m.GID)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.MTimeUnix))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.MTimeNsec))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.Size))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(len(m.LinkTarget)))
	copy(buf[34:], m.LinkTarget)
	return buf
}

// Decode parses a Metadata record previously produced by Encode.
func Decode(data []byte) (Metadata, error) {
	if len(data) < fixedSize+2 {
		return Metadata{}, ErrTruncated
	}
	m := Metadata{
		Mode:      binary.LittleEndian.Uint32(data[0:4]),
		UID:       binary.LittleEndian.Uint32(data[4:8]),
		GID:       binary.LittleEndian.Uint32(data[8:12]),
		MTimeUnix: int64(binary.LittleEndian.Uint64(data[12:20])),
		MTimeNsec: int32(binary.LittleEndian.Uint32(data[20:24])),
		Size:      int64(binary.LittleEndian.Uint64(data[24:32])),
	}
	linkLen := int(binary.LittleEndian.Uint16(data[32:34]))
	if len(data[34:]) < linkLen {
		return Metadata{}, ErrTruncated
	}
	if linkLen > 0 {
		m.LinkTarget = string(data[34 : 34+linkLen])
	}
	return m, nil
}

// MTime returns the modification time as a UTC time.Time.
func (m Metadata) MTime() time.Time {
	return time.Unix(m.MTimeUnix, int64(m.MTimeNsec)).UTC()
}

// FromLstat builds a Metadata from an os.Lstat result. For symlinks, target
// must be the result of os.Readlink(path).
func FromLstat(fi fs.FileInfo, target string) Metadata {
	m := Metadata{
		Mode:      uint32(fi.Mode()),
		MTimeUnix: fi.ModTime().UTC().Unix(),
		MTimeNsec: int32(fi.ModTime().UTC().Nanosecond()),
		Size:      fi.Size(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		m.UID = st.Uid
		m.GID = st.Gid
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		m.LinkTarget = target
		m.Size = int64(len(target))
	}
	return m
}

// Equal reports whether m and other describe the same file for the purpose
// of the backup engine's "reuse" decision. Access time is deliberately
// excluded (per spec.md §8's round-trip property, which itself excludes
// atime); so is UID/GID equality tolerance when running unprivileged — both
// are compared here, the caller may relax GID/UID if running without
// CAP_CHOWN.
func (m Metadata) Equal(other Metadata) bool {
	return m.Mode == other.Mode &&
		m.UID == other.UID &&
		m.GID == other.GID &&
		m.MTimeUnix == other.MTimeUnix &&
		m.MTimeNsec == other.MTimeNsec &&
		m.Size == other.Size &&
		m.LinkTarget == other.LinkTarget
}

// IsSymlink reports whether the recorded mode bits describe a symlink.
func (m Metadata) IsSymlink() bool { return os.FileMode(m.Mode)&os.ModeSymlink != 0 }

// IsDir reports whether the recorded mode bits describe a directory.
func (m Metadata) IsDir() bool { return os.FileMode(m.Mode)&os.ModeDir != 0 }

// IsRegular reports whether the recorded mode bits describe a regular file.
func (m Metadata) IsRegular() bool { return os.FileMode(m.Mode).IsRegular() }

// Apply restores mode, ownership, and modification time onto an
// already-created path. Ownership changes are best-effort: a failure to
// chown when unprivileged is not fatal to the restore.
func Apply(path string, m Metadata) error {
	if !m.IsSymlink() {
		if err := os.Chmod(path, os.FileMode(m.Mode).Perm()); err != nil {
			return err
		}
	}
	_ = os.Lchown(path, int(m.UID), int(m.GID))
	if !m.IsSymlink() {
		if err := os.Chtimes(path, m.MTime(), m.MTime()); err != nil {
			return err
		}
	}
	return nil
}
