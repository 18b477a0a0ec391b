package index

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/frostbackup/frost/internal/fsmeta"
	"github.com/frostbackup/frost/internal/frosterr"
	"github.com/frostbackup/frost/internal/index/dedup"
	"github.com/frostbackup/frost/internal/multichunk"
)

// ChunkRecord is one entry in the Chunk block chain: a content checksum
// and where its bytes live.
type ChunkRecord struct {
	Checksum       [20]byte
	MultichunkID   uint32
	OffsetInPack   uint32
	Size           uint32
	prevWordOffset uint32
}

func encodeChunkRecord(r ChunkRecord) []byte {
	buf := make([]byte, 20+4+4+4+4)
	copy(buf[0:20], r.Checksum[:])
	binary.LittleEndian.PutUint32(buf[20:24], r.MultichunkID)
	binary.LittleEndian.PutUint32(buf[24:28], r.OffsetInPack)
	binary.LittleEndian.PutUint32(buf[28:32], r.Size)
	binary.LittleEndian.PutUint32(buf[32:36], r.prevWordOffset)
	return buf
}

func decodeChunkRecord(data []byte) (ChunkRecord, error) {
	if len(data) < 36 {
		return ChunkRecord{}, frosterr.New(frosterr.BadFormat, "index.decodeChunkRecord", "truncated")
	}
	var r ChunkRecord
	copy(r.Checksum[:], data[0:20])
	r.MultichunkID = binary.LittleEndian.Uint32(data[20:24])
	r.OffsetInPack = binary.LittleEndian.Uint32(data[24:28])
	r.Size = binary.LittleEndian.Uint32(data[28:32])
	r.prevWordOffset = binary.LittleEndian.Uint32(data[32:36])
	return r, nil
}

// MultichunkRecord is one entry in the Multichunk block chain: identifies
// a sealed multichunk file and how to decrypt/decompress it.
type MultichunkRecord struct {
	Sum            [32]byte
	Compressor     multichunk.Kind
	FilterArgID    uint32
	ChunkCount     uint32
	prevWordOffset uint32
}

func encodeMultichunkRecord(r MultichunkRecord) []byte {
	buf := make([]byte, 32+1+4+4+4)
	copy(buf[0:32], r.Sum[:])
	buf[32] = byte(r.Compressor)
	binary.LittleEndian.PutUint32(buf[33:37], r.FilterArgID)
	binary.LittleEndian.PutUint32(buf[37:41], r.ChunkCount)
	binary.LittleEndian.PutUint32(buf[41:45], r.prevWordOffset)
	return buf
}

func decodeMultichunkRecord(data []byte) (MultichunkRecord, error) {
	if len(data) < 45 {
		return MultichunkRecord{}, frosterr.New(frosterr.BadFormat, "index.decodeMultichunkRecord", "truncated")
	}
	var r MultichunkRecord
	copy(r.Sum[:], data[0:32])
	r.Compressor = multichunk.Kind(data[32])
	r.FilterArgID = binary.LittleEndian.Uint32(data[33:37])
	r.ChunkCount = binary.LittleEndian.Uint32(data[37:41])
	r.prevWordOffset = binary.LittleEndian.Uint32(data[41:45])
	return r, nil
}

// FileTreeItem is one file or directory entry in a revision's tree. ID is
// this item's 1-based position in the FileTree block (the root, always at
// array index 0, has ID 1); ParentID is 0 for a direct child of the root or
// another item's ID for a nested entry. Path is reconstructed by walking
// parent links up to the root and is not itself stored on disk.
type FileTreeItem struct {
	ID              uint32
	ParentID        uint32
	BaseName        string
	Path            string
	Meta            fsmeta.Metadata
	IsDir           bool
	IsSymlink       bool
	ChunkListOffset uint32 // word offset of this item's ChunkList block; 0 for dirs/symlinks
}

// encodeFileTree serializes a revision's items — root first, at index 0 —
// as spec.md §4.5's FileTree block: a leading item count (the same
// self-describing-count idiom as encodeChunkList), then, per item,
// {parentID, chunkListID, metadataSize, baseNameSize} followed immediately
// by the item's own metadata and baseName bytes, rather than a block
// reference to elsewhere in the file.
func encodeFileTree(items []FileTreeItem) []byte {
	size := 4
	metaBytes := make([][]byte, len(items))
	for i, it := range items {
		metaBytes[i] = it.Meta.Encode()
		size += 4 + 4 + 2 + 2 + len(metaBytes[i]) + len(it.BaseName)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(items)))
	offset := 4
	for i, it := range items {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], it.ParentID)
		offset += 4
		binary.LittleEndian.PutUint32(buf[offset:offset+4], it.ChunkListOffset)
		offset += 4
		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(metaBytes[i])))
		offset += 2
		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(it.BaseName)))
		offset += 2
		copy(buf[offset:], metaBytes[i])
		offset += len(metaBytes[i])
		copy(buf[offset:], it.BaseName)
		offset += len(it.BaseName)
	}
	return buf
}

// decodeFileTree parses a FileTree block payload and reconstructs each
// item's full slash-joined Path by walking parent links. Parents always
// appear at a lower array index than their children (Builder.AddFile
// enforces this), so a single forward pass suffices.
func decodeFileTree(data []byte) ([]FileTreeItem, error) {
	if len(data) < 4 {
		return nil, frosterr.New(frosterr.BadFormat, "index.decodeFileTree", "truncated header")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	offset := 4
	items := make([]FileTreeItem, 0, count)
	paths := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+12 > len(data) {
			return nil, frosterr.New(frosterr.BadFormat, "index.decodeFileTree", "truncated entry")
		}
		parentID := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4
		chunkListOffset := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4
		metaSize := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		baseNameSize := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+metaSize+baseNameSize > len(data) {
			return nil, frosterr.New(frosterr.BadFormat, "index.decodeFileTree", "truncated entry")
		}
		meta, err := fsmeta.Decode(data[offset : offset+metaSize])
		if err != nil {
			return nil, err
		}
		offset += metaSize
		baseName := string(data[offset : offset+baseNameSize])
		offset += baseNameSize

		var path string
		if i == 0 {
			path = ""
		} else {
			parentPath := ""
			if parentID != 0 {
				if int(parentID) > len(paths) {
					return nil, frosterr.New(frosterr.BadFormat, "index.decodeFileTree", "parent id out of range")
				}
				parentPath = paths[parentID-1]
			}
			if parentPath == "" {
				path = baseName
			} else {
				path = parentPath + "/" + baseName
			}
		}
		paths = append(paths, path)
		items = append(items, FileTreeItem{
			ID:              i + 1,
			ParentID:        parentID,
			BaseName:        baseName,
			Path:            path,
			Meta:            meta,
			IsDir:           meta.IsDir(),
			IsSymlink:       meta.IsSymlink(),
			ChunkListOffset: chunkListOffset,
		})
	}
	return items, nil
}

// publicFiles strips the synthetic root item (always at index 0 of a
// non-empty tree) from a decoded FileTree, so callers see the same flat
// listing of real files and directories they always have.
func publicFiles(items []FileTreeItem) []FileTreeItem {
	if len(items) == 0 {
		return nil
	}
	return items[1:]
}

func encodeChunkList(chunkIDs []uint32) []byte {
	buf := make([]byte, 4+4*len(chunkIDs))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(chunkIDs)))
	offset := 4
	for _, id := range chunkIDs {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], id)
		offset += 4
	}
	return buf
}

func decodeChunkList(data []byte) ([]uint32, error) {
	if len(data) < 4 {
		return nil, frosterr.New(frosterr.BadFormat, "index.decodeChunkList", "truncated header")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	if 4+int(count)*4 > len(data) {
		return nil, frosterr.New(frosterr.BadFormat, "index.decodeChunkList", "truncated entries")
	}
	ids := make([]uint32, count)
	offset := 4
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4
	}
	return ids, nil
}

// catalogPayload is the decoded Catalog block: one per revision, chained
// to the previous revision's catalog so List can walk history backward.
type catalogPayload struct {
	PrevCatalogOffset    uint32
	TimestampUnix        int64
	FileTreeOffset       uint32
	ChunkHeadOffset      uint32
	MultichunkHeadOffset uint32
	FilterArgOffset      uint32
	ChunkCount           uint32
	MultichunkCount      uint32
	MetadataOffset       uint32 // this revision's free-text Metadata block; 0 if none
	RevisionNumber       uint32 // 1-based, spec.md §4.5's "Revision N"
	ExtendedOffset       uint32
}

func encodeCatalog(c catalogPayload) []byte {
	buf := make([]byte, 4+8+4+4+4+4+4+4+4+4+4)
	binary.LittleEndian.PutUint32(buf[0:4], c.PrevCatalogOffset)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(c.TimestampUnix))
	binary.LittleEndian.PutUint32(buf[12:16], c.FileTreeOffset)
	binary.LittleEndian.PutUint32(buf[16:20], c.ChunkHeadOffset)
	binary.LittleEndian.PutUint32(buf[20:24], c.MultichunkHeadOffset)
	binary.LittleEndian.PutUint32(buf[24:28], c.FilterArgOffset)
	binary.LittleEndian.PutUint32(buf[28:32], c.ChunkCount)
	binary.LittleEndian.PutUint32(buf[32:36], c.MultichunkCount)
	binary.LittleEndian.PutUint32(buf[36:40], c.MetadataOffset)
	binary.LittleEndian.PutUint32(buf[40:44], c.RevisionNumber)
	binary.LittleEndian.PutUint32(buf[44:48], c.ExtendedOffset)
	return buf
}

func decodeCatalog(data []byte) (catalogPayload, error) {
	if len(data) < 48 {
		return catalogPayload{}, frosterr.New(frosterr.BadFormat, "index.decodeCatalog", "truncated")
	}
	return catalogPayload{
		PrevCatalogOffset:    binary.LittleEndian.Uint32(data[0:4]),
		TimestampUnix:        int64(binary.LittleEndian.Uint64(data[4:12])),
		FileTreeOffset:       binary.LittleEndian.Uint32(data[12:16]),
		ChunkHeadOffset:      binary.LittleEndian.Uint32(data[16:20]),
		MultichunkHeadOffset: binary.LittleEndian.Uint32(data[20:24]),
		FilterArgOffset:      binary.LittleEndian.Uint32(data[24:28]),
		ChunkCount:           binary.LittleEndian.Uint32(data[28:32]),
		MultichunkCount:      binary.LittleEndian.Uint32(data[32:36]),
		MetadataOffset:       binary.LittleEndian.Uint32(data[36:40]),
		RevisionNumber:       binary.LittleEndian.Uint32(data[40:44]),
		ExtendedOffset:       binary.LittleEndian.Uint32(data[44:48]),
	}, nil
}

// encodeMetadataLines joins lines with "\n", spec.md §4.5's free-form
// per-revision Metadata block payload.
func encodeMetadataLines(lines []string) []byte {
	return []byte(strings.Join(lines, "\n"))
}

func decodeMetadataLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}

// BuildMetadataLines assembles the free-text lines written to a revision's
// Metadata block (spec.md §4.5/§4.7): the backup source path on the first
// revision only, a combined creation/completion line (Frost's append-only
// Commit is the single atomic success point, so "created on" and "finished
// on" collapse into one line rather than being amended later), and the
// file/dir/size counters.
func BuildMetadataLines(revisionNumber uint32, sourcePath string, now time.Time, fileCount, dirCount uint64, initialSize, backupSize int64) []string {
	var lines []string
	if revisionNumber == 1 && sourcePath != "" {
		lines = append(lines, sourcePath)
	}
	lines = append(lines,
		fmt.Sprintf("Revision %d created on %s, finished on %s", revisionNumber, now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339)),
		fmt.Sprintf("FileCount: %d", fileCount),
		fmt.Sprintf("DirCount: %d", dirCount),
		fmt.Sprintf("InitialSize: %d", initialSize),
		fmt.Sprintf("BackupSize: %d", backupSize),
	)
	return lines
}

// Revision is the consolidated, read-ready view of one backup revision.
type Revision struct {
	WordOffset uint32 // this revision's own Catalog block, for Model.Revision lookups
	Timestamp  time.Time
	Files      []FileTreeItem
}

// Model is the consolidated in-memory view of an index file: the Robin
// Hood dedup table for chunk lookups, the chunk/multichunk tables needed
// to resolve a ChunkList into multichunk reads, and the revision chain.
type Model struct {
	path   string
	writer *Writer
	reader *Reader

	dedup       *dedup.Table
	chunks      []ChunkRecord // index = ChunkID
	multichunks []MultichunkRecord

	filterArgs *multichunk.FilterArgumentTable

	latestCatalogOffset  uint32
	nextChunkID          uint32
	nextMultichunkID     uint32
	nextRevisionNumber   uint32
	chunkChainHead       uint32
	multichunkChainHead  uint32
}

// Create initializes a brand-new index file with the given ciphered
// master key (from keyfactory.Create) and returns an empty, writable
// Model.
func Create(path string, cipheredMaster []byte) (*Model, error) {
	w, err := CreateWriter(path)
	if err != nil {
		return nil, err
	}
	var header MainHeader
	header.Version = Version
	copy(header.CipheredMaster[:], cipheredMaster)
	if err := w.CommitHeader(header); err != nil {
		w.Close()
		return nil, err
	}
	r, err := OpenReader(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Model{
		path:               path,
		writer:             w,
		reader:             r,
		dedup:              dedup.New(1024),
		filterArgs:         multichunk.NewFilterArgumentTable(),
		nextRevisionNumber: 1,
	}, nil
}

// Open loads an existing index file for reading, and for appending a new
// revision if writable is true.
func Open(path string, writable bool) (*Model, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	m := &Model{
		path:                path,
		reader:              r,
		dedup:               dedup.New(1024),
		filterArgs:          multichunk.NewFilterArgumentTable(),
		latestCatalogOffset: r.Header.CatalogOffset,
		nextRevisionNumber:  1,
	}
	if r.Header.CatalogOffset != 0 {
		cat, err := m.readCatalog(r.Header.CatalogOffset)
		if err != nil {
			r.Close()
			return nil, err
		}
		if err := m.loadFromCatalog(cat); err != nil {
			r.Close()
			return nil, err
		}
	}
	if writable {
		w, err := OpenWriter(path)
		if err != nil {
			r.Close()
			return nil, err
		}
		m.writer = w
	}
	return m, nil
}

// CipheredMaster returns the MainHeader's stored master key ciphertext.
func (m *Model) CipheredMaster() []byte {
	if m.reader != nil {
		return m.reader.Header.CipheredMaster[:]
	}
	return nil
}

func (m *Model) readBlock(wordOffset uint32) (BlockKind, []byte, error) {
	if m.reader == nil {
		return 0, nil, frosterr.New(frosterr.NotFound, "index.Model.readBlock", "index has no committed data yet")
	}
	return m.reader.ReadBlock(wordOffset)
}

// refreshReader (re)maps the index file after a commit so newly appended
// blocks become visible through m.reader. mmap is a fixed-length snapshot
// of the file at map time; the append-only writer grows the file
// underneath it, so the map must be replaced, not merely trusted to
// reflect new bytes.
func (m *Model) refreshReader() error {
	next, err := OpenReader(m.path)
	if err != nil {
		return err
	}
	if m.reader != nil {
		m.reader.Close()
	}
	m.reader = next
	return nil
}

func (m *Model) readCatalog(wordOffset uint32) (catalogPayload, error) {
	kind, payload, err := m.readBlock(wordOffset)
	if err != nil {
		return catalogPayload{}, err
	}
	if kind != BlockCatalog {
		return catalogPayload{}, frosterr.New(frosterr.BadFormat, "index.Model.readCatalog", "expected Catalog block")
	}
	return decodeCatalog(payload)
}

// loadFromCatalog walks the Chunk, Multichunk, and FilterArgument chains
// reachable from cat and populates the in-memory tables. Only the most
// recent revision's chains are walked (they are cumulative: every chunk
// and multichunk ever written is reachable from the latest catalog,
// because new revisions only ever append to these chains).
func (m *Model) loadFromCatalog(cat catalogPayload) error {
	m.nextChunkID = cat.ChunkCount
	m.nextMultichunkID = cat.MultichunkCount
	m.nextRevisionNumber = cat.RevisionNumber + 1
	m.chunkChainHead = cat.ChunkHeadOffset
	m.multichunkChainHead = cat.MultichunkHeadOffset
	return m.loadChunkChain(cat)
}

func (m *Model) loadChunkChain(cat catalogPayload) error {
	records := make([]ChunkRecord, 0, cat.ChunkCount)
	for off := cat.ChunkHeadOffset; off != 0; {
		kind, payload, err := m.readBlock(off)
		if err != nil {
			return err
		}
		if kind != BlockChunk {
			return frosterr.New(frosterr.BadFormat, "index.Model.loadChunkChain", "expected Chunk block")
		}
		rec, err := decodeChunkRecord(payload)
		if err != nil {
			return err
		}
		records = append(records, rec)
		off = rec.prevWordOffset
	}
	// records is newest-first; ChunkIDs were assigned oldest-first
	// (0,1,2,...), so the oldest record is ChunkID 0.
	m.chunks = make([]ChunkRecord, len(records))
	for i, rec := range records {
		id := uint32(len(records) - 1 - i)
		m.chunks[id] = rec
		var key dedup.Checksum
		copy(key[:20], rec.Checksum[:])
		m.dedup.Insert(key, id)
	}

	mcRecords := make([]MultichunkRecord, 0, cat.MultichunkCount)
	for off := cat.MultichunkHeadOffset; off != 0; {
		kind, payload, err := m.readBlock(off)
		if err != nil {
			return err
		}
		if kind != BlockMultichunk {
			return frosterr.New(frosterr.BadFormat, "index.Model.loadChunkChain", "expected Multichunk block")
		}
		rec, err := decodeMultichunkRecord(payload)
		if err != nil {
			return err
		}
		mcRecords = append(mcRecords, rec)
		off = rec.prevWordOffset
	}
	m.multichunks = make([]MultichunkRecord, len(mcRecords))
	for i, rec := range mcRecords {
		id := uint32(len(mcRecords) - 1 - i)
		m.multichunks[id] = rec
	}

	if cat.FilterArgOffset != 0 {
		kind, payload, err := m.readBlock(cat.FilterArgOffset)
		if err != nil {
			return err
		}
		if kind != BlockFilterArgument {
			return frosterr.New(frosterr.BadFormat, "index.Model.loadChunkChain", "expected FilterArgument block")
		}
		table, err := multichunk.DecodeFilterArgumentTable(payload)
		if err != nil {
			return err
		}
		m.filterArgs = table
	}

	return nil
}

// LookupChunk returns the chunk record for checksum, if this index has
// already stored it anywhere (current or prior revisions).
func (m *Model) LookupChunk(checksum [20]byte) (ChunkRecord, uint32, bool) {
	var key dedup.Checksum
	copy(key[:20], checksum[:])
	id, ok := m.dedup.Lookup(key)
	if !ok {
		return ChunkRecord{}, 0, false
	}
	return m.chunks[id], id, true
}

// Multichunk returns the multichunk record for id.
func (m *Model) Multichunk(id uint32) (MultichunkRecord, bool) {
	if id >= uint32(len(m.multichunks)) {
		return MultichunkRecord{}, false
	}
	return m.multichunks[id], true
}

// ChunkByID returns the chunk record for id.
func (m *Model) ChunkByID(id uint32) (ChunkRecord, bool) {
	if id >= uint32(len(m.chunks)) {
		return ChunkRecord{}, false
	}
	return m.chunks[id], true
}

// RegisterFilterArgument records an argument string (e.g. a compressor
// name) and returns its ID for use in a Multichunk record.
func (m *Model) RegisterFilterArgument(s string) (uint32, error) {
	return m.filterArgs.Add(s)
}

// FilterArgument returns the string registered under id.
func (m *Model) FilterArgument(id uint32) (string, error) {
	return m.filterArgs.Get(id)
}

// ChunkCount returns the number of ChunkRecords known to the model (the
// exclusive upper bound of valid ChunkIDs).
func (m *Model) ChunkCount() uint32 { return uint32(len(m.chunks)) }

// MultichunkCount returns the number of MultichunkRecords known to the
// model (the exclusive upper bound of valid MultichunkIDs).
func (m *Model) MultichunkCount() uint32 { return uint32(len(m.multichunks)) }

// NextRevisionNumber returns the 1-based revision number that the next
// Commit will record, for callers building that revision's Metadata lines
// before calling Commit.
func (m *Model) NextRevisionNumber() uint32 { return m.nextRevisionNumber }

// Builder accumulates the blocks of one in-progress revision before
// Commit makes them visible to readers.
type Builder struct {
	model *Model

	newChunks      []ChunkRecord
	newMultichunks []MultichunkRecord
	items          []FileTreeItem
}

// NewRevision starts accumulating a new revision. The Model must have
// been opened or created writable.
func (m *Model) NewRevision() *Builder {
	return &Builder{model: m}
}

// AddChunk registers a brand-new (non-duplicate) chunk discovered during
// this revision's walk and returns its assigned ChunkID. Callers must
// check LookupChunk first; AddChunk does not deduplicate.
func (b *Builder) AddChunk(checksum [20]byte, multichunkID, offsetInPack, size uint32) uint32 {
	id := b.model.nextChunkID
	b.model.nextChunkID++
	rec := ChunkRecord{Checksum: checksum, MultichunkID: multichunkID, OffsetInPack: offsetInPack, Size: size}
	b.newChunks = append(b.newChunks, rec)

	var key dedup.Checksum
	copy(key[:20], checksum[:])
	b.model.dedup.Insert(key, id)
	b.model.chunks = append(b.model.chunks, rec)
	return id
}

// AddMultichunk registers a newly sealed multichunk and returns its
// assigned ID.
func (b *Builder) AddMultichunk(sum [32]byte, compressor multichunk.Kind, filterArgID uint32, chunkCount uint32) uint32 {
	id := b.model.nextMultichunkID
	b.model.nextMultichunkID++
	rec := MultichunkRecord{Sum: sum, Compressor: compressor, FilterArgID: filterArgID, ChunkCount: chunkCount}
	b.newMultichunks = append(b.newMultichunks, rec)
	b.model.multichunks = append(b.model.multichunks, rec)
	return id
}

// AddRoot must be called exactly once, before any AddFile/AddReusedFile
// call, to establish the synthetic root item that spec.md §3's Key
// Invariant requires at index 0 of every non-empty FileTree. It carries
// the backup source directory's own metadata (owner, mode, mtime) and is
// assigned ID 1; every top-level entry's ParentID of 0 refers to it.
func (b *Builder) AddRoot(meta fsmeta.Metadata) (uint32, error) {
	if len(b.items) != 0 {
		return 0, frosterr.New(frosterr.Policy, "index.Builder.AddRoot", "root must be added first")
	}
	return b.addItem(0, "", meta, nil)
}

// addItem appends one entry to the in-progress FileTree and returns its
// assigned 1-based ID. chunkIDs is nil for directories, symlinks, and the
// root.
func (b *Builder) addItem(parentID uint32, baseName string, meta fsmeta.Metadata, chunkIDs []uint32) (uint32, error) {
	w := b.model.writer
	if w == nil {
		return 0, frosterr.New(frosterr.Policy, "index.Builder.addItem", "model was not opened writable")
	}
	var chunkListOffset uint32
	if len(chunkIDs) > 0 || (!meta.IsDir() && !meta.IsSymlink() && baseName != "") {
		var err error
		chunkListOffset, err = w.AppendBlock(BlockChunkList, encodeChunkList(chunkIDs))
		if err != nil {
			return 0, err
		}
	}
	id := uint32(len(b.items)) + 1
	path := baseName
	if parentID != 0 {
		parent := b.items[parentID-1]
		if parent.Path != "" {
			path = parent.Path + "/" + baseName
		}
	}
	b.items = append(b.items, FileTreeItem{
		ID:              id,
		ParentID:        parentID,
		BaseName:        baseName,
		Path:            path,
		Meta:            meta,
		IsDir:           meta.IsDir(),
		IsSymlink:       meta.IsSymlink(),
		ChunkListOffset: chunkListOffset,
	})
	return id, nil
}

// AddFile appends one file or directory as a child of parentID (0 meaning
// a direct child of the root) to the revision's tree. chunkIDs is nil for
// directories and symlinks.
func (b *Builder) AddFile(parentID uint32, baseName string, meta fsmeta.Metadata, chunkIDs []uint32) (uint32, error) {
	if len(b.items) == 0 {
		return 0, frosterr.New(frosterr.Policy, "index.Builder.AddFile", "AddRoot must be called first")
	}
	return b.addItem(parentID, baseName, meta, chunkIDs)
}

// AddReusedFile appends a file or directory whose metadata and chunk list
// are unchanged from the previous revision: prev's ChunkList block is
// referenced as-is, nothing new is written for it. This is spec.md §4.7's
// "reuse" decision ("attach the prior file's chunkListID as-is"), the
// append-only index's way of avoiding a redundant copy of unchanged file
// data from revision to revision. Metadata is always re-encoded inline
// (it is cheap and keeps every FileTree block self-contained), copied
// verbatim from prev.
func (b *Builder) AddReusedFile(parentID uint32, baseName string, prev FileTreeItem) (uint32, error) {
	if len(b.items) == 0 {
		return 0, frosterr.New(frosterr.Policy, "index.Builder.AddReusedFile", "AddRoot must be called first")
	}
	id := uint32(len(b.items)) + 1
	path := baseName
	if parentID != 0 {
		parent := b.items[parentID-1]
		if parent.Path != "" {
			path = parent.Path + "/" + baseName
		}
	}
	b.items = append(b.items, FileTreeItem{
		ID:              id,
		ParentID:        parentID,
		BaseName:        baseName,
		Path:            path,
		Meta:            prev.Meta,
		IsDir:           prev.IsDir,
		IsSymlink:       prev.IsSymlink,
		ChunkListOffset: prev.ChunkListOffset,
	})
	return id, nil
}

// Commit writes every block accumulated by the Builder (Chunk chain
// entries, Multichunk chain entries, the FileTree block, an optional
// Metadata block, and a new Catalog block chained to the previous
// revision), then flips the MainHeader to point at the new catalog. now
// is the revision's timestamp; callers should pass time.Now().UTC()
// (spec.md §9: all on-disk timestamps are UTC, never local time).
// metadataLines, if non-empty, becomes this revision's free-text Metadata
// block (spec.md §4.5); pass nil to omit it.
func (b *Builder) Commit(now time.Time, metadataLines []string) (Revision, error) {
	w := b.model.writer
	if w == nil {
		return Revision{}, frosterr.New(frosterr.Policy, "index.Builder.Commit", "model was not opened writable")
	}

	chunkHead := b.model.chunkChainHead
	for _, rec := range b.newChunks {
		rec.prevWordOffset = chunkHead
		off, err := w.AppendBlock(BlockChunk, encodeChunkRecord(rec))
		if err != nil {
			return Revision{}, err
		}
		chunkHead = off
	}

	mcHead := b.model.multichunkChainHead
	for _, rec := range b.newMultichunks {
		rec.prevWordOffset = mcHead
		off, err := w.AppendBlock(BlockMultichunk, encodeMultichunkRecord(rec))
		if err != nil {
			return Revision{}, err
		}
		mcHead = off
	}

	var filterArgOffset uint32
	if b.model.filterArgs.Len() > 0 {
		var err error
		filterArgOffset, err = w.AppendBlock(BlockFilterArgument, b.model.filterArgs.Encode())
		if err != nil {
			return Revision{}, err
		}
	}

	fileTreeOffset, err := w.AppendBlock(BlockFileTree, encodeFileTree(b.items))
	if err != nil {
		return Revision{}, err
	}

	var metadataOffset uint32
	if len(metadataLines) > 0 {
		metadataOffset, err = w.AppendBlock(BlockMetadata, encodeMetadataLines(metadataLines))
		if err != nil {
			return Revision{}, err
		}
	}

	revisionNumber := b.model.nextRevisionNumber
	cat := catalogPayload{
		PrevCatalogOffset:    b.model.latestCatalogOffset,
		TimestampUnix:        now.Unix(),
		FileTreeOffset:       fileTreeOffset,
		ChunkHeadOffset:      chunkHead,
		MultichunkHeadOffset: mcHead,
		FilterArgOffset:      filterArgOffset,
		ChunkCount:           b.model.nextChunkID,
		MultichunkCount:      b.model.nextMultichunkID,
		MetadataOffset:       metadataOffset,
		RevisionNumber:       revisionNumber,
	}
	catOffset, err := w.AppendBlock(BlockCatalog, encodeCatalog(cat))
	if err != nil {
		return Revision{}, err
	}

	header := MainHeader{Version: Version, CatalogOffset: catOffset}
	copy(header.CipheredMaster[:], b.model.CipheredMaster())
	if err := w.CommitHeader(header); err != nil {
		return Revision{}, err
	}
	b.model.latestCatalogOffset = catOffset
	b.model.chunkChainHead = chunkHead
	b.model.multichunkChainHead = mcHead
	b.model.nextRevisionNumber = revisionNumber + 1

	if err := b.model.refreshReader(); err != nil {
		return Revision{}, err
	}

	return Revision{WordOffset: catOffset, Timestamp: now, Files: publicFiles(b.items)}, nil
}

// Close releases the underlying file handles. Does not commit.
func (m *Model) Close() error {
	var err error
	if m.writer != nil {
		if e := m.writer.Close(); e != nil {
			err = e
		}
	}
	if m.reader != nil {
		if e := m.reader.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// LatestRevision returns the most recently committed revision, or
// (Revision{}, false) if the index has none yet.
func (m *Model) LatestRevision() (Revision, bool, error) {
	if m.latestCatalogOffset == 0 {
		return Revision{}, false, nil
	}
	cat, err := m.readCatalog(m.latestCatalogOffset)
	if err != nil {
		return Revision{}, false, err
	}
	items, err := m.readFileTree(cat.FileTreeOffset)
	if err != nil {
		return Revision{}, false, err
	}
	return Revision{
		WordOffset: m.latestCatalogOffset,
		Timestamp:  time.Unix(cat.TimestampUnix, 0).UTC(),
		Files:      publicFiles(items),
	}, true, nil
}

// Revisions walks the catalog chain from most to least recent.
func (m *Model) Revisions() ([]Revision, error) {
	var out []Revision
	for off := m.latestCatalogOffset; off != 0; {
		cat, err := m.readCatalog(off)
		if err != nil {
			return nil, err
		}
		items, err := m.readFileTree(cat.FileTreeOffset)
		if err != nil {
			return nil, err
		}
		out = append(out, Revision{
			WordOffset: off,
			Timestamp:  time.Unix(cat.TimestampUnix, 0).UTC(),
			Files:      publicFiles(items),
		})
		off = cat.PrevCatalogOffset
	}
	return out, nil
}

func (m *Model) readFileTree(wordOffset uint32) ([]FileTreeItem, error) {
	kind, payload, err := m.readBlock(wordOffset)
	if err != nil {
		return nil, err
	}
	if kind != BlockFileTree {
		return nil, frosterr.New(frosterr.BadFormat, "index.Model.readFileTree", "expected FileTree block")
	}
	return decodeFileTree(payload)
}

// Metadata returns the fsmeta.Metadata record for a FileTreeItem. It is
// stored inline in the FileTree block, so this is a direct field read.
func (m *Model) Metadata(item FileTreeItem) (fsmeta.Metadata, error) {
	return item.Meta, nil
}

// RevisionRoot returns rev's synthetic root item (index 0 of its FileTree
// block, stripped from Revision.Files), for callers that need to replay a
// revision's whole tree including the root, such as purge's rewrite.
func (m *Model) RevisionRoot(rev Revision) (FileTreeItem, error) {
	cat, err := m.readCatalog(rev.WordOffset)
	if err != nil {
		return FileTreeItem{}, err
	}
	items, err := m.readFileTree(cat.FileTreeOffset)
	if err != nil {
		return FileTreeItem{}, err
	}
	if len(items) == 0 {
		return FileTreeItem{}, frosterr.New(frosterr.BadFormat, "index.Model.RevisionRoot", "empty file tree")
	}
	return items[0], nil
}

// RevisionMetadataLines re-reads rev's free-text Metadata block, if it has
// one, returning the lines written by Builder.Commit (or nil if the
// revision was committed without any).
func (m *Model) RevisionMetadataLines(rev Revision) ([]string, error) {
	cat, err := m.readCatalog(rev.WordOffset)
	if err != nil {
		return nil, err
	}
	if cat.MetadataOffset == 0 {
		return nil, nil
	}
	kind, payload, err := m.readBlock(cat.MetadataOffset)
	if err != nil {
		return nil, err
	}
	if kind != BlockMetadata {
		return nil, frosterr.New(frosterr.BadFormat, "index.Model.RevisionMetadataLines", "expected Metadata block")
	}
	return decodeMetadataLines(payload), nil
}

// ChunkList reads the ordered ChunkIDs for a FileTreeItem.
func (m *Model) ChunkList(item FileTreeItem) ([]uint32, error) {
	if item.ChunkListOffset == 0 {
		return nil, nil
	}
	kind, payload, err := m.readBlock(item.ChunkListOffset)
	if err != nil {
		return nil, err
	}
	if kind != BlockChunkList {
		return nil, frosterr.New(frosterr.BadFormat, "index.Model.ChunkList", "expected ChunkList block")
	}
	return decodeChunkList(payload)
}
