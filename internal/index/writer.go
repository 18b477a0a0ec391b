package index

import (
	"os"

	"github.com/frostbackup/frost/internal/frosterr"
)

// Writer appends blocks to an index file. Index files are append-only
// while a backup or purge session holds them open; nothing already
// written is ever rewritten except the MainHeader's CatalogOffset on
// Commit.
type Writer struct {
	f    *os.File
	size int64
}

// CreateWriter creates a new index file at path with a zeroed MainHeader
// (no catalog yet) and returns a Writer positioned to append the first
// block. Fails if path already exists.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, frosterr.Wrap(frosterr.IO, "index.CreateWriter", path, err)
	}
	header := MainHeader{Version: Version}
	if _, err := f.Write(header.Encode()); err != nil {
		f.Close()
		return nil, frosterr.Wrap(frosterr.IO, "index.CreateWriter", path, err)
	}
	return &Writer{f: f, size: mainHeaderSize}, nil
}

// OpenWriter opens an existing index file for appending further blocks
// (used by purge's repack and by a backup that adds a new revision to an
// existing file).
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, frosterr.Wrap(frosterr.IO, "index.OpenWriter", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, frosterr.Wrap(frosterr.IO, "index.OpenWriter", path, err)
	}
	return &Writer{f: f, size: info.Size()}, nil
}

// AppendBlock frames payload under kind and writes it at the current end
// of file, returning the word offset the block started at.
func (w *Writer) AppendBlock(kind BlockKind, payload []byte) (uint32, error) {
	block := encodeBlock(kind, payload)
	wordOffset := uint32(w.size / 4)
	if _, err := w.f.WriteAt(block, w.size); err != nil {
		return 0, frosterr.Wrap(frosterr.IO, "index.Writer.AppendBlock", "", err)
	}
	w.size += int64(len(block))
	return wordOffset, nil
}

// Size returns the current file size in bytes.
func (w *Writer) Size() int64 { return w.size }

// CommitHeader rewrites the MainHeader in place (the only mutation ever
// made to already-written bytes) and fsyncs the file, making the new
// catalog durable.
func (w *Writer) CommitHeader(h MainHeader) error {
	if _, err := w.f.WriteAt(h.Encode(), 0); err != nil {
		return frosterr.Wrap(frosterr.IO, "index.Writer.CommitHeader", "", err)
	}
	if err := w.f.Sync(); err != nil {
		return frosterr.Wrap(frosterr.IO, "index.Writer.CommitHeader", "", err)
	}
	return nil
}

// Close releases the underlying file descriptor without an implicit sync;
// callers must CommitHeader first if the header changed.
func (w *Writer) Close() error {
	return w.f.Close()
}
