// Package backup implements the Backup Engine: walks a source tree in
// directory order, classifies every path into skip/reuse/record/chunk-and-store,
// drives the Chunker and the Packer, and commits a new revision into the
// index.
//
// Grounded on the teacher's dependency-injected, construction-time-configured
// component shape (no package-level state; a *slog.Logger and a progress
// sink are passed in once) and on its pattern-matching idiom in
// internal/ingester/tail/discovery.go for path normalization.
package backup

import (
	"bufio"
	"log/slog"
	"math"
	"os"
	stdpath "path"
	"path/filepath"
	"time"

	"github.com/frostbackup/frost/internal/chunker"
	"github.com/frostbackup/frost/internal/engine/control"
	"github.com/frostbackup/frost/internal/engine/progress"
	"github.com/frostbackup/frost/internal/exclude"
	"github.com/frostbackup/frost/internal/frosterr"
	"github.com/frostbackup/frost/internal/fsmeta"
	"github.com/frostbackup/frost/internal/index"
	"github.com/frostbackup/frost/internal/keyfactory"
	"github.com/frostbackup/frost/internal/logging"
	"github.com/frostbackup/frost/internal/multichunk"
)

// Options configures one Engine. SourceRoot is walked recursively; RemoteDir
// is where sealed multichunk files are written.
type Options struct {
	SourceRoot      string
	RemoteDir       string
	ChunkerConfig   chunker.Config
	MultichunkBytes uint64
	Compressor      multichunk.Kind
	// EntropyThreshold is the Shannon entropy (bits/byte) above which a
	// freshly opened multichunk stores its chunks uncompressed instead of
	// under Compressor — spec.md §4.3/§9's "decide once, on the first chunk
	// that opens a fresh multichunk" Open Question, resolved this way (see
	// DESIGN.md).
	EntropyThreshold float64
	Exclude          *exclude.Set
}

// Engine runs one backup revision against an already-open, writable index
// Model.
type Engine struct {
	opts    Options
	model   *index.Model
	factory *keyfactory.Factory
	flags   *control.Flags
	sink    progress.Sink
	log     *slog.Logger
}

// New returns an Engine. logger and sink may be nil (discard); flags may be
// nil (never interrupted).
func New(opts Options, model *index.Model, factory *keyfactory.Factory, flags *control.Flags, sink progress.Sink, logger *slog.Logger) *Engine {
	if flags == nil {
		flags = control.New()
	}
	return &Engine{
		opts:    opts,
		model:   model,
		factory: factory,
		flags:   flags,
		sink:    progress.Default(sink),
		log:     logging.Default(logger).With("component", "backup"),
	}
}

// priorTree indexes the previous revision's FileTree items by path for O(1)
// reuse lookups.
type priorTree map[string]index.FileTreeItem

func (e *Engine) loadPriorTree() (priorTree, error) {
	rev, ok, err := e.model.LatestRevision()
	if err != nil {
		return nil, err
	}
	tree := make(priorTree)
	if !ok {
		return tree, nil
	}
	for _, item := range rev.Files {
		tree[item.Path] = item
	}
	return tree, nil
}

// pendingOccurrence records where an unsealed chunk's eventual ChunkID must
// be written back to once its Packer seals: a slot in a deferred file's
// chunk ID list.
type pendingOccurrence struct {
	file *deferredFile
	pos  int
}

// pendingChunk is one distinct new checksum appended to the active Packer,
// not yet assigned a ChunkID. occurrences lists every file position waiting
// on it — more than one if the same content repeats within one multichunk
// before it seals.
type pendingChunk struct {
	occurrences []pendingOccurrence
}

// deferredFile accumulates chunk IDs for a regular file whose content spans
// one or more still-unsealed Packers. Once unresolved reaches zero the file
// is committed to the Builder in its original walk order. parentID and
// baseName are captured at walk time (the parent directory's ID is always
// already known, since WalkDir visits it before any child), even though
// the file itself isn't added to the Builder until much later.
type deferredFile struct {
	path       string
	parentID   uint32
	baseName   string
	meta       fsmeta.Metadata
	chunkIDs   []uint32
	unresolved int
}

// Run walks opts.SourceRoot, classifies every entry, and commits one new
// revision. now should be time.Now().UTC().
func (e *Engine) Run(now time.Time) (index.Revision, error) {
	prior, err := e.loadPriorTree()
	if err != nil {
		return index.Revision{}, err
	}

	b := e.model.NewRevision()

	rootInfo, err := os.Lstat(e.opts.SourceRoot)
	if err != nil {
		return index.Revision{}, frosterr.Wrap(frosterr.IO, "backup.Engine.Run", e.opts.SourceRoot, err)
	}
	var rootLinkTarget string
	if rootInfo.Mode()&os.ModeSymlink != 0 {
		rootLinkTarget, err = os.Readlink(e.opts.SourceRoot)
		if err != nil {
			return index.Revision{}, frosterr.Wrap(frosterr.IO, "backup.Engine.Run", e.opts.SourceRoot, err)
		}
	}
	if _, err := b.AddRoot(fsmeta.FromLstat(rootInfo, rootLinkTarget)); err != nil {
		return index.Revision{}, err
	}

	// dirIDs maps a directory's slash-joined relative path to its assigned
	// Builder ID, so a child entry can look up its parent's ID. "" is the
	// source root itself, whose children use ParentID 0 directly.
	dirIDs := make(map[string]uint32)

	var activePacker *multichunk.Packer
	pendingByChecksum := make(map[[20]byte]int)
	var pendingChunks []*pendingChunk
	var deferredQueue []*deferredFile

	var fileCount, dirCount int64
	var inputBytes, outputBytes int64

	parentIDFor := func(rel string) uint32 {
		parentRel := stdpath.Dir(rel)
		if parentRel == "." {
			return 0
		}
		return dirIDs[parentRel]
	}

	sealActive := func() error {
		if activePacker == nil || activePacker.Empty() {
			activePacker = nil
			return nil
		}
		fileContents, sum, refs, err := activePacker.Seal()
		if err != nil {
			return err
		}
		filterArgID, err := e.model.RegisterFilterArgument(activePacker.Kind().String())
		if err != nil {
			return err
		}
		mcID := b.AddMultichunk(sum, activePacker.Kind(), filterArgID, uint32(len(refs)))

		outPath := filepath.Join(e.opts.RemoteDir, multichunk.FileName(sum))
		if err := os.WriteFile(outPath, fileContents, 0o600); err != nil {
			return frosterr.Wrap(frosterr.IO, "backup.Engine.Run", outPath, err)
		}
		outputBytes += int64(len(fileContents))

		for i, ref := range refs {
			chunkID := b.AddChunk(ref.Checksum, mcID, ref.Offset, ref.Size)
			pc := pendingChunks[i]
			for _, occ := range pc.occurrences {
				occ.file.chunkIDs[occ.pos] = chunkID
				occ.file.unresolved--
			}
		}

		for len(deferredQueue) > 0 && deferredQueue[0].unresolved == 0 {
			df := deferredQueue[0]
			deferredQueue = deferredQueue[1:]
			if _, err := b.AddFile(df.parentID, df.baseName, df.meta, df.chunkIDs); err != nil {
				return err
			}
		}

		pendingChunks = nil
		pendingByChecksum = make(map[[20]byte]int)
		activePacker = nil
		return nil
	}

	walkErr := filepath.WalkDir(e.opts.SourceRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			progress.Warning(e.sink, path, frosterr.Wrap(frosterr.Warning, "backup.Engine.Run", path, err))
			return nil
		}
		control.MaybeDump(e.flags, e.log)
		if e.flags.ExitRequested() {
			return frosterr.New(frosterr.Interrupted, "backup.Engine.Run", "stop requested")
		}

		rel, err := filepath.Rel(e.opts.SourceRoot, path)
		if err != nil {
			return frosterr.Wrap(frosterr.IO, "backup.Engine.Run", path, err)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if e.opts.Exclude.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			progress.Warning(e.sink, rel, frosterr.Wrap(frosterr.Warning, "backup.Engine.Run", rel, err))
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				progress.Warning(e.sink, rel, frosterr.Wrap(frosterr.Warning, "backup.Engine.Run", rel, err))
				return nil
			}
		}
		meta := fsmeta.FromLstat(info, linkTarget)
		parentID := parentIDFor(rel)
		baseName := stdpath.Base(rel)

		if d.IsDir() {
			dirCount++
			var id uint32
			var err error
			if prevItem, ok := prior[rel]; ok && meta.Equal(mustMeta(e.model, prevItem)) {
				id, err = b.AddReusedFile(parentID, baseName, prevItem)
			} else {
				id, err = b.AddFile(parentID, baseName, meta, nil)
			}
			if err != nil {
				return err
			}
			dirIDs[rel] = id
			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			if prevItem, ok := prior[rel]; ok && meta.Equal(mustMeta(e.model, prevItem)) {
				_, err := b.AddReusedFile(parentID, baseName, prevItem)
				return err
			}
			_, err := b.AddFile(parentID, baseName, meta, nil)
			return err
		}

		fileCount++
		if prevItem, ok := prior[rel]; ok && meta.Equal(mustMeta(e.model, prevItem)) {
			_, err := b.AddReusedFile(parentID, baseName, prevItem)
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			progress.Warning(e.sink, rel, frosterr.Wrap(frosterr.Warning, "backup.Engine.Run", rel, err))
			return nil
		}
		defer f.Close()

		df := &deferredFile{path: rel, parentID: parentID, baseName: baseName, meta: meta}
		deferredQueue = append(deferredQueue, df)

		splitErr := chunker.Split(bufio.NewReader(f), e.opts.ChunkerConfig, func(c chunker.Chunk) error {
			if e.flags.ExitRequested() {
				return frosterr.New(frosterr.Interrupted, "backup.Engine.Run", "stop requested")
			}
			inputBytes += int64(c.Size)
			slot := len(df.chunkIDs)
			df.chunkIDs = append(df.chunkIDs, 0)
			df.unresolved++

			if _, id, ok := e.model.LookupChunk(c.Checksum); ok {
				df.chunkIDs[slot] = id
				df.unresolved--
				return nil
			}
			if idx, ok := pendingByChecksum[c.Checksum]; ok {
				pc := pendingChunks[idx]
				pc.occurrences = append(pc.occurrences, pendingOccurrence{file: df, pos: slot})
				return nil
			}

			if activePacker != nil && activePacker.WouldClose(c.Size) {
				if err := sealActive(); err != nil {
					return err
				}
			}
			if activePacker == nil {
				kind := e.opts.Compressor
				if entropy(c.Data) > e.opts.EntropyThreshold {
					kind = multichunk.None
				}
				policy := multichunk.NewSizePolicy(e.opts.MultichunkBytes)
				activePacker = multichunk.NewPacker(e.factory, kind, policy)
			}
			activePacker.Append(c.Checksum, c.Data)
			pendingByChecksum[c.Checksum] = len(pendingChunks)
			pendingChunks = append(pendingChunks, &pendingChunk{occurrences: []pendingOccurrence{{file: df, pos: slot}}})
			return nil
		})
		if splitErr != nil {
			return frosterr.Wrap(frosterr.IO, "backup.Engine.Run", rel, splitErr)
		}
		return nil
	})
	if walkErr != nil {
		return index.Revision{}, walkErr
	}

	if err := sealActive(); err != nil {
		return index.Revision{}, err
	}
	for _, df := range deferredQueue {
		if df.unresolved != 0 {
			return index.Revision{}, frosterr.New(frosterr.BadFormat, "backup.Engine.Run", "file has unresolved chunks after final seal: "+df.path)
		}
		if _, err := b.AddFile(df.parentID, df.baseName, df.meta, df.chunkIDs); err != nil {
			return index.Revision{}, err
		}
	}

	revisionNumber := e.model.NextRevisionNumber()
	metadataLines := index.BuildMetadataLines(revisionNumber, e.opts.SourceRoot, now, uint64(fileCount), uint64(dirCount), inputBytes, outputBytes)
	rev, err := b.Commit(now, metadataLines)
	if err != nil {
		return index.Revision{}, err
	}
	e.log.Info("revision committed", "files", fileCount, "dirs", dirCount, "input_bytes", inputBytes, "output_bytes", outputBytes)
	return rev, nil
}

// mustMeta reads prevItem's metadata, swallowing an I/O error into an
// always-different sentinel so the caller safely falls back to
// chunk-and-store instead of propagating a spurious failure for what is, at
// worst, a missed optimization.
func mustMeta(m *index.Model, prevItem index.FileTreeItem) fsmeta.Metadata {
	meta, err := m.Metadata(prevItem)
	if err != nil {
		return fsmeta.Metadata{MTimeNsec: -1}
	}
	return meta
}

// entropy returns the Shannon entropy of data in bits per byte, 0 for empty
// input.
func entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	total := float64(len(data))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}
