package index

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content-addressing checksum, not a security boundary
	"path/filepath"
	"testing"
	"time"

	"github.com/frostbackup/frost/internal/fsmeta"
	"github.com/frostbackup/frost/internal/keyfactory"
	"github.com/frostbackup/frost/internal/multichunk"
)

func TestMainHeaderRoundTrip(t *testing.T) {
	var h MainHeader
	h.Version = Version
	h.CatalogOffset = 12345
	copy(h.CipheredMaster[:], bytes.Repeat([]byte{0xAB}, CipheredMasterKeySize))

	got, err := DecodeMainHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeMainHeader: %v", err)
	}
	if got.Version != h.Version || got.CatalogOffset != h.CatalogOffset {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if got.CipheredMaster != h.CipheredMaster {
		t.Fatal("ciphered master key mismatch")
	}
}

func TestDecodeMainHeaderRejectsBadMagic(t *testing.T) {
	var h MainHeader
	h.Version = Version
	buf := h.Encode()
	buf[0] = 'X'
	if _, err := DecodeMainHeader(buf); err == nil {
		t.Fatal("expected bad magic to be rejected")
	}
}

func TestDecodeMainHeaderRejectsWrongVersion(t *testing.T) {
	var h MainHeader
	h.Version = Version + 1
	if _, err := DecodeMainHeader(h.Encode()); err == nil {
		t.Fatal("expected unsupported version to be rejected")
	}
}

func TestBlockFraming(t *testing.T) {
	payload := []byte("hello block")
	block := encodeBlock(BlockMetadata, payload)
	if len(block)%4 != 0 {
		t.Fatalf("block length %d is not 4-byte aligned", len(block))
	}
	kind, length, err := decodeBlockHeader(block)
	if err != nil {
		t.Fatalf("decodeBlockHeader: %v", err)
	}
	if kind != BlockMetadata {
		t.Fatalf("got kind %v, want %v", kind, BlockMetadata)
	}
	if length != len(payload) {
		t.Fatalf("got length %d, want %d", length, len(payload))
	}
	got := block[blockHeaderSize : blockHeaderSize+length]
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestFileTreeEncodeDecode(t *testing.T) {
	rootMeta := fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}
	fileMeta := fsmeta.Metadata{Mode: 0o100644, Size: 42}
	dirMeta := fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}
	linkMeta := fsmeta.Metadata{Mode: uint32(1 << 27), LinkTarget: "a.txt"}

	items := []FileTreeItem{
		{ParentID: 0, BaseName: "", Path: "", Meta: rootMeta, IsDir: true},
		{ParentID: 0, BaseName: "a.txt", Path: "a.txt", Meta: fileMeta, ChunkListOffset: 11},
		{ParentID: 1, BaseName: "dir", Path: "dir", Meta: dirMeta, IsDir: true},
		{ParentID: 3, BaseName: "link", Path: "dir/link", Meta: linkMeta, IsSymlink: true},
	}
	for i := range items {
		items[i].ID = uint32(i) + 1
	}

	got, err := decodeFileTree(encodeFileTree(items))
	if err != nil {
		t.Fatalf("decodeFileTree: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	for i := range items {
		if got[i] != items[i] {
			t.Fatalf("item %d mismatch: got %+v, want %+v", i, got[i], items[i])
		}
	}
}

func TestChunkListEncodeDecode(t *testing.T) {
	ids := []uint32{3, 1, 4, 1, 5, 9, 2, 6}
	got, err := decodeChunkList(encodeChunkList(ids))
	if err != nil {
		t.Fatalf("decodeChunkList: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("got %d ids, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("id %d mismatch: got %d, want %d", i, got[i], ids[i])
		}
	}
}

// buildFactory returns a keyfactory.Factory and the ciphered master key to
// embed in a fresh index's MainHeader, mirroring how a real backup session
// wires keyfactory.Create's output into index.Create.
func buildFactory(t *testing.T) (*keyfactory.Factory, []byte) {
	t.Helper()
	dir := t.TempDir()
	factory, cipheredMaster, err := keyfactory.Create(filepath.Join(dir, "vault"), "correct horse", "primary")
	if err != nil {
		t.Fatalf("keyfactory.Create: %v", err)
	}
	return factory, cipheredMaster
}

func TestCreateCommitReopenRoundTrip(t *testing.T) {
	_, cipheredMaster := buildFactory(t)
	path := filepath.Join(t.TempDir(), "backup.idx")

	m, err := Create(path, cipheredMaster)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, ok, err := m.LatestRevision(); err != nil || ok {
		t.Fatalf("fresh index should have no revisions, got ok=%v err=%v", ok, err)
	}

	data := []byte("the quick brown fox jumps over the lazy dog")
	checksum := sha1.Sum(data)
	if _, _, ok := m.LookupChunk(checksum); ok {
		t.Fatal("fresh index should not contain any chunk")
	}

	mcSum := [32]byte{1, 2, 3}
	b := m.NewRevision()
	mcID := b.AddMultichunk(mcSum, multichunk.None, 0, 1)
	chunkID := b.AddChunk(checksum, mcID, 0, uint32(len(data)))

	rootMeta := fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}
	if _, err := b.AddRoot(rootMeta); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	meta := fsmeta.Metadata{Mode: 0o100644, Size: int64(len(data))}
	if _, err := b.AddFile(0, "file.txt", meta, []uint32{chunkID}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	dirMeta := fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}
	if _, err := b.AddFile(0, "subdir", dirMeta, nil); err != nil {
		t.Fatalf("AddFile(dir): %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	rev, err := b.Commit(now, []string{"Revision 1 created on now, finished on now"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(rev.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(rev.Files))
	}

	if rec, id, ok := m.LookupChunk(checksum); !ok || id != chunkID || rec.MultichunkID != mcID {
		t.Fatalf("LookupChunk after commit: rec=%+v id=%d ok=%v", rec, id, ok)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if !bytes.Equal(reopened.CipheredMaster(), cipheredMaster) {
		t.Fatal("ciphered master key did not survive round trip")
	}

	latest, ok, err := reopened.LatestRevision()
	if err != nil || !ok {
		t.Fatalf("LatestRevision after reopen: ok=%v err=%v", ok, err)
	}
	if !latest.Timestamp.Equal(now) {
		t.Fatalf("got timestamp %v, want %v", latest.Timestamp, now)
	}
	if len(latest.Files) != 2 {
		t.Fatalf("got %d files after reopen, want 2", len(latest.Files))
	}

	lines, err := reopened.RevisionMetadataLines(latest)
	if err != nil {
		t.Fatalf("RevisionMetadataLines: %v", err)
	}
	if len(lines) != 1 || lines[0] != "Revision 1 created on now, finished on now" {
		t.Fatalf("got metadata lines %v, want the committed line", lines)
	}

	rec, id, ok := reopened.LookupChunk(checksum)
	if !ok {
		t.Fatal("expected chunk to be found after reopen")
	}
	if id != chunkID {
		t.Fatalf("got chunk id %d, want %d", id, chunkID)
	}
	gotMC, ok := reopened.Multichunk(rec.MultichunkID)
	if !ok || gotMC.Sum != mcSum {
		t.Fatalf("Multichunk lookup mismatch: got %+v ok=%v", gotMC, ok)
	}

	var fileItem FileTreeItem
	for _, it := range latest.Files {
		if it.Path == "file.txt" {
			fileItem = it
		}
	}
	if fileItem.Path == "" {
		t.Fatal("file.txt not found in reopened revision")
	}
	gotMeta, err := reopened.Metadata(fileItem)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !gotMeta.Equal(meta) {
		t.Fatalf("metadata mismatch: got %+v, want %+v", gotMeta, meta)
	}
	gotChunkIDs, err := reopened.ChunkList(fileItem)
	if err != nil {
		t.Fatalf("ChunkList: %v", err)
	}
	if len(gotChunkIDs) != 1 || gotChunkIDs[0] != chunkID {
		t.Fatalf("got chunk ids %v, want [%d]", gotChunkIDs, chunkID)
	}
}

func TestMultipleRevisionsChainAndDedupPersists(t *testing.T) {
	_, cipheredMaster := buildFactory(t)
	path := filepath.Join(t.TempDir(), "backup.idx")

	m, err := Create(path, cipheredMaster)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data1 := []byte("revision one payload")
	checksum1 := sha1.Sum(data1)
	b1 := m.NewRevision()
	mc1 := b1.AddMultichunk([32]byte{1}, multichunk.None, 0, 1)
	c1 := b1.AddChunk(checksum1, mc1, 0, uint32(len(data1)))
	if _, err := b1.AddRoot(fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, err := b1.AddFile(0, "a.txt", fsmeta.Metadata{Mode: 0o100644}, []uint32{c1}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	t1 := time.Unix(1700000000, 0).UTC()
	if _, err := b1.Commit(t1, nil); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	// Second revision reuses data1's chunk (simulating an unchanged file)
	// and adds one brand-new chunk.
	data2 := []byte("revision two new payload")
	checksum2 := sha1.Sum(data2)
	b2 := m.NewRevision()
	if _, _, ok := m.LookupChunk(checksum1); !ok {
		t.Fatal("expected checksum1 to already be known before building revision 2")
	}
	mc2 := b2.AddMultichunk([32]byte{2}, multichunk.None, 0, 1)
	c2 := b2.AddChunk(checksum2, mc2, 0, uint32(len(data2)))
	if _, err := b2.AddRoot(fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, err := b2.AddFile(0, "a.txt", fsmeta.Metadata{Mode: 0o100644}, []uint32{c1}); err != nil {
		t.Fatalf("AddFile reuse: %v", err)
	}
	if _, err := b2.AddFile(0, "b.txt", fsmeta.Metadata{Mode: 0o100644}, []uint32{c2}); err != nil {
		t.Fatalf("AddFile new: %v", err)
	}
	t2 := time.Unix(1700003600, 0).UTC()
	rev2, err := b2.Commit(t2, nil)
	if err != nil {
		t.Fatalf("Commit 2: %v", err)
	}
	if len(rev2.Files) != 2 {
		t.Fatalf("got %d files in revision 2, want 2", len(rev2.Files))
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	revs, err := reopened.Revisions()
	if err != nil {
		t.Fatalf("Revisions: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("got %d revisions, want 2", len(revs))
	}
	// Revisions walks newest-first.
	if !revs[0].Timestamp.Equal(t2) || !revs[1].Timestamp.Equal(t1) {
		t.Fatalf("revisions out of order: got %v, %v", revs[0].Timestamp, revs[1].Timestamp)
	}

	if _, id, ok := reopened.LookupChunk(checksum1); !ok || id != c1 {
		t.Fatalf("checksum1 lookup after two revisions: id=%d ok=%v", id, ok)
	}
	if _, id, ok := reopened.LookupChunk(checksum2); !ok || id != c2 {
		t.Fatalf("checksum2 lookup after two revisions: id=%d ok=%v", id, ok)
	}
}

func TestOpenWritableAllowsAppendingRevision(t *testing.T) {
	_, cipheredMaster := buildFactory(t)
	path := filepath.Join(t.TempDir(), "backup.idx")

	m, err := Create(path, cipheredMaster)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := []byte("payload")
	checksum := sha1.Sum(data)
	b := m.NewRevision()
	mc := b.AddMultichunk([32]byte{9}, multichunk.None, 0, 1)
	c := b.AddChunk(checksum, mc, 0, uint32(len(data)))
	if _, err := b.AddRoot(fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, err := b.AddFile(0, "f", fsmeta.Metadata{Mode: 0o100644}, []uint32{c}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := b.Commit(time.Unix(1700000000, 0).UTC(), nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	writable, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open writable: %v", err)
	}
	defer writable.Close()

	b2 := writable.NewRevision()
	if _, err := b2.AddRoot(fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, err := b2.AddFile(0, "g", fsmeta.Metadata{Mode: 0o100644}, nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := b2.Commit(time.Unix(1700000100, 0).UTC(), nil); err != nil {
		t.Fatalf("Commit on reopened writable index: %v", err)
	}

	revs, err := writable.Revisions()
	if err != nil {
		t.Fatalf("Revisions: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("got %d revisions after reopened append, want 2", len(revs))
	}
}

func TestNonWritableModelRejectsCommit(t *testing.T) {
	_, cipheredMaster := buildFactory(t)
	path := filepath.Join(t.TempDir(), "backup.idx")

	m, err := Create(path, cipheredMaster)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	readOnly, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer readOnly.Close()

	b := readOnly.NewRevision()
	if _, err := b.AddRoot(fsmeta.Metadata{Mode: uint32(1<<31) | 0o755}); err == nil {
		t.Fatal("expected AddRoot to fail on a read-only model")
	}
}
