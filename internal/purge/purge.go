// Package purge implements the Purge Engine: given a cut revision, it
// drops chunks no longer referenced by any surviving revision, repacks or
// deletes the multichunks that held them, and rewrites the index file from
// scratch so revision numbering restarts at 1.
//
// Grounded on the teacher's internal/chunk/retention.go: RetentionPolicy's
// "pure decision over an immutable snapshot" shape becomes Strategy's
// removeRatio threshold decision over one MultichunkState snapshot.
package purge

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/frostbackup/frost/internal/config"
	"github.com/frostbackup/frost/internal/engine/control"
	"github.com/frostbackup/frost/internal/frosterr"
	"github.com/frostbackup/frost/internal/index"
	"github.com/frostbackup/frost/internal/keyfactory"
	"github.com/frostbackup/frost/internal/logging"
	"github.com/frostbackup/frost/internal/multichunk"

	"github.com/google/uuid"
)

// MultichunkState is the read-only snapshot Strategy decides over: how
// many of a multichunk's chunks are now dead.
type MultichunkState struct {
	ChunkCount   uint32
	RemovedCount uint32
}

// RemoveRatio is the fraction of a multichunk's chunks that are dead.
func (s MultichunkState) RemoveRatio() float64 {
	if s.ChunkCount == 0 {
		return 0
	}
	return float64(s.RemovedCount) / float64(s.ChunkCount)
}

// Strategy decides, from a MultichunkState, whether a multichunk with at
// least one surviving chunk should be repacked. A multichunk with
// RemoveRatio == 1.0 is never passed to Strategy; it is always deleted
// outright.
type Strategy interface {
	ShouldRepack(s MultichunkState) bool
}

type thresholdStrategy struct {
	threshold config.PurgeStrategy
}

func (t thresholdStrategy) ShouldRepack(s MultichunkState) bool {
	return s.RemoveRatio()*100 > float64(t.threshold.ThresholdPercent)
}

// NewStrategy adapts a config.PurgeStrategy (Fast/Slow/percentage) into a
// Strategy.
func NewStrategy(ps config.PurgeStrategy) Strategy {
	return thresholdStrategy{threshold: ps}
}

// Options configures one purge run.
type Options struct {
	// UpToRevisionInclusive is a 1-based count of the oldest revisions to
	// fold away: revisions 1..UpToRevisionInclusive are purged, the rest
	// survive, renumbered starting at 1.
	UpToRevisionInclusive int
	Strategy              Strategy
	RemoteDir             string
	// NewIndexPath is the final location of the rewritten index. A
	// sibling temporary file is used while purging is in progress and
	// only renamed over NewIndexPath once every step below has succeeded.
	NewIndexPath string
}

// Engine purges an already-open index Model, writing a replacement index
// file. The caller must Close the old Model and re-Open the new one
// afterward; Run does not mutate the Model it was given.
type Engine struct {
	opts    Options
	model   *index.Model
	factory *keyfactory.Factory
	flags   *control.Flags
	log     *slog.Logger
}

// New returns an Engine. logger may be nil (discard); flags may be nil
// (never interrupted).
func New(opts Options, model *index.Model, factory *keyfactory.Factory, flags *control.Flags, logger *slog.Logger) *Engine {
	if flags == nil {
		flags = control.New()
	}
	return &Engine{opts: opts, model: model, factory: factory, flags: flags, log: logging.Default(logger).With("component", "purge")}
}

// chunkRemap records where a surviving chunk ended up in the new index.
type chunkRemap struct {
	newID uint32
}

// fileOp is a deferred multichunk file removal applied only after the new
// index has replaced the old one, preserving the "original index and
// multichunk files are untouched on any earlier failure" guarantee. A
// repacked or fully-dead multichunk's old file is removed this way; a
// kept-as-is multichunk needs no file operation at all, since its file is
// named from its content hash alone and the new index's renumbered ID never
// touches that name.
type fileOp struct {
	remove string
}

// Run executes the purge, writing a fresh index to opts.NewIndexPath (the
// same path as the Model's own backing file is the common case: a purge
// that replaces an index in place).
func (e *Engine) Run() error {
	revs, err := e.model.Revisions() // most-recent-first
	if err != nil {
		return err
	}
	for i, j := 0, len(revs)-1; i < j; i, j = i+1, j-1 {
		revs[i], revs[j] = revs[j], revs[i]
	}
	if e.opts.UpToRevisionInclusive <= 0 || e.opts.UpToRevisionInclusive > len(revs) {
		return frosterr.New(frosterr.Policy, "purge.Engine.Run", "UpToRevisionInclusive out of range")
	}
	keep := revs[e.opts.UpToRevisionInclusive:]

	chunksInNext := make(map[uint32]bool)
	for _, rev := range keep {
		if err := e.collectChunks(rev, chunksInNext); err != nil {
			return err
		}
	}

	liveByMultichunk := make(map[uint32]map[uint32]bool) // old multichunk id -> old chunk ids still live
	for chunkID := range chunksInNext {
		rec, ok := e.model.ChunkByID(chunkID)
		if !ok {
			return frosterr.New(frosterr.BadFormat, "purge.Engine.Run", "dangling chunk id")
		}
		set := liveByMultichunk[rec.MultichunkID]
		if set == nil {
			set = make(map[uint32]bool)
			liveByMultichunk[rec.MultichunkID] = set
		}
		set[chunkID] = true
	}

	tmpIndexPath := e.opts.NewIndexPath + ".purge-" + uuid.NewString()
	newModel, err := index.Create(tmpIndexPath, e.model.CipheredMaster())
	if err != nil {
		return err
	}
	committed := false
	var pendingFileOps []fileOp
	var newMultichunkFiles []string
	defer func() {
		newModel.Close()
		if !committed {
			os.Remove(tmpIndexPath)
			for _, p := range newMultichunkFiles {
				os.Remove(p)
			}
		}
	}()

	b0 := newModel.NewRevision()
	remap := make(map[uint32]chunkRemap)

	mcIDs := make([]uint32, 0, len(liveByMultichunk))
	for id := range liveByMultichunk {
		mcIDs = append(mcIDs, id)
	}
	sort.Slice(mcIDs, func(i, j int) bool { return mcIDs[i] < mcIDs[j] })

	for _, oldMCID := range mcIDs {
		control.MaybeDump(e.flags, e.log)
		if e.flags.ExitRequested() {
			return frosterr.New(frosterr.Interrupted, "purge.Engine.Run", "stop requested")
		}
		oldMC, ok := e.model.Multichunk(oldMCID)
		if !ok {
			return frosterr.New(frosterr.BadFormat, "purge.Engine.Run", "dangling multichunk id")
		}
		liveIDs := liveByMultichunk[oldMCID]
		state := MultichunkState{ChunkCount: oldMC.ChunkCount, RemovedCount: oldMC.ChunkCount - uint32(len(liveIDs))}

		argString, err := e.model.FilterArgument(oldMC.FilterArgID)
		if err != nil {
			return err
		}
		newFilterArgID, err := newModel.RegisterFilterArgument(argString)
		if err != nil {
			return err
		}

		if state.RemoveRatio() > 0 && e.opts.Strategy.ShouldRepack(state) {
			newPath, err := e.repackInto(b0, oldMC, liveIDs, newFilterArgID, remap)
			if err != nil {
				return err
			}
			newMultichunkFiles = append(newMultichunkFiles, newPath)
			oldPath := filepath.Join(e.opts.RemoteDir, multichunk.FileName(oldMC.Sum))
			pendingFileOps = append(pendingFileOps, fileOp{remove: oldPath})
			continue
		}

		// Kept as-is: identical bytes, and the file is named from the
		// content hash alone, so the fresh sequential multichunk ID the new
		// index assigns doesn't require any rename on disk.
		newMCID := b0.AddMultichunk(oldMC.Sum, oldMC.Compressor, newFilterArgID, oldMC.ChunkCount)
		for _, oldChunkID := range sortedKeys(liveIDs) {
			rec, _ := e.model.ChunkByID(oldChunkID)
			newChunkID := b0.AddChunk(rec.Checksum, newMCID, rec.OffsetInPack, rec.Size)
			remap[oldChunkID] = chunkRemap{newID: newChunkID}
		}
	}

	for oldMCID := uint32(0); oldMCID < e.model.MultichunkCount(); oldMCID++ {
		if liveByMultichunk[oldMCID] != nil {
			continue
		}
		mc, ok := e.model.Multichunk(oldMCID)
		if !ok {
			continue
		}
		pendingFileOps = append(pendingFileOps, fileOp{remove: filepath.Join(e.opts.RemoteDir, multichunk.FileName(mc.Sum))})
	}

	if err := e.commitRevisions(newModel, b0, keep, remap); err != nil {
		return err
	}

	if err := newModel.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpIndexPath, e.opts.NewIndexPath); err != nil {
		return frosterr.Wrap(frosterr.IO, "purge.Engine.Run", tmpIndexPath, err)
	}
	committed = true

	for _, op := range pendingFileOps {
		os.Remove(op.remove) // best-effort: the new index is already authoritative
	}

	e.log.Info("purge committed", "revisions_kept", len(keep), "revisions_dropped", e.opts.UpToRevisionInclusive)
	return nil
}

func sortedKeys(set map[uint32]bool) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) collectChunks(rev index.Revision, into map[uint32]bool) error {
	for _, item := range rev.Files {
		if item.IsDir || item.IsSymlink {
			continue
		}
		ids, err := e.model.ChunkList(item)
		if err != nil {
			return err
		}
		for _, id := range ids {
			into[id] = true
		}
	}
	return nil
}

// repackInto extracts liveIDs from oldMC through a Reader, seals them into
// a fresh multichunk file under the same compressor, registers the new
// Multichunk/Chunk records on b0, and fills remap for every live chunk. It
// returns the new file's path.
func (e *Engine) repackInto(b0 *index.Builder, oldMC index.MultichunkRecord, liveIDs map[uint32]bool, newFilterArgID uint32, remap map[uint32]chunkRemap) (string, error) {
	reader := multichunk.NewReader(multichunk.DirSource{Dir: e.opts.RemoteDir}, e.factory, nil)

	ids := sortedKeys(liveIDs)
	orderedOldIDs := make([]uint32, 0, len(ids))
	packer := multichunk.NewPacker(e.factory, oldMC.Compressor, multichunk.NewSizePolicy(^uint64(0)))
	for _, oldChunkID := range ids {
		rec, ok := e.model.ChunkByID(oldChunkID)
		if !ok {
			return "", frosterr.New(frosterr.BadFormat, "purge.Engine.repackInto", "dangling chunk id")
		}
		data, err := reader.Chunk(oldMC.Sum, oldMC.Compressor, rec.Checksum)
		if err != nil {
			return "", err
		}
		packer.Append(rec.Checksum, data)
		orderedOldIDs = append(orderedOldIDs, oldChunkID)
	}

	fileContents, newSum, refs, err := packer.Seal()
	if err != nil {
		return "", err
	}
	newMCID := b0.AddMultichunk(newSum, oldMC.Compressor, newFilterArgID, uint32(len(refs)))
	newPath := filepath.Join(e.opts.RemoteDir, multichunk.FileName(newSum))
	if err := os.WriteFile(newPath, fileContents, 0o600); err != nil {
		return "", frosterr.Wrap(frosterr.IO, "purge.Engine.repackInto", newPath, err)
	}
	for i, ref := range refs {
		newChunkID := b0.AddChunk(ref.Checksum, newMCID, ref.Offset, ref.Size)
		remap[orderedOldIDs[i]] = chunkRemap{newID: newChunkID}
	}
	return newPath, nil
}

// commitRevisions replays each kept revision's FileTree onto newModel,
// root item included, remapping each item's old 1-based ID to the ID it
// is assigned in the rewritten tree (parents always precede children in
// FileTree order, so a single forward pass suffices). The first revision
// shares b0 (which already carries every remapped Chunk/Multichunk
// record) so its Commit writes them; subsequent revisions use fresh
// builders that contribute no new chunks. Each revision's original
// Metadata lines are carried forward verbatim: repacking multichunks
// doesn't change the historical FileCount/DirCount/BackupSize facts a
// revision recorded at backup time.
func (e *Engine) commitRevisions(newModel *index.Model, b0 *index.Builder, keep []index.Revision, remap map[uint32]chunkRemap) error {
	for i, rev := range keep {
		if e.flags.ExitRequested() {
			return frosterr.New(frosterr.Interrupted, "purge.Engine.commitRevisions", "stop requested")
		}
		b := b0
		if i > 0 {
			b = newModel.NewRevision()
		}

		root, err := e.model.RevisionRoot(rev)
		if err != nil {
			return err
		}
		newRootID, err := b.AddRoot(root.Meta)
		if err != nil {
			return err
		}
		oldToNew := map[uint32]uint32{root.ID: newRootID}

		for _, item := range rev.Files {
			var newParentID uint32
			if item.ParentID != 0 {
				id, ok := oldToNew[item.ParentID]
				if !ok {
					return frosterr.New(frosterr.BadFormat, "purge.Engine.commitRevisions", "parent id missing from remap for a kept revision")
				}
				newParentID = id
			}

			var newChunkIDs []uint32
			if !item.IsDir && !item.IsSymlink {
				oldChunkIDs, err := e.model.ChunkList(item)
				if err != nil {
					return err
				}
				newChunkIDs = make([]uint32, len(oldChunkIDs))
				for j, oldID := range oldChunkIDs {
					m, ok := remap[oldID]
					if !ok {
						return frosterr.New(frosterr.BadFormat, "purge.Engine.commitRevisions", "chunk missing from remap for a kept revision")
					}
					newChunkIDs[j] = m.newID
				}
			}
			newID, err := b.AddFile(newParentID, item.BaseName, item.Meta, newChunkIDs)
			if err != nil {
				return err
			}
			oldToNew[item.ID] = newID
		}

		lines, err := e.model.RevisionMetadataLines(rev)
		if err != nil {
			return err
		}
		if _, err := b.Commit(rev.Timestamp, lines); err != nil {
			return err
		}
	}
	return nil
}
