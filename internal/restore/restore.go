// Package restore implements the Restore Engine: replays one revision's
// FileTree onto a destination directory, honoring the configured overwrite
// policy, and the single-file `cat` variant used to stream one file's
// content without touching the filesystem.
//
// Grounded on the teacher's dependency-injected engine shape (see
// internal/backup) and on its cursor-style "walk a list, pull plaintext
// through a Reader+Cache" idiom.
package restore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/frostbackup/frost/internal/config"
	"github.com/frostbackup/frost/internal/engine/control"
	"github.com/frostbackup/frost/internal/engine/progress"
	"github.com/frostbackup/frost/internal/frosterr"
	"github.com/frostbackup/frost/internal/fsmeta"
	"github.com/frostbackup/frost/internal/index"
	"github.com/frostbackup/frost/internal/logging"
	"github.com/frostbackup/frost/internal/multichunk"
)

// Options configures one Engine run.
type Options struct {
	DestRoot  string
	Overwrite config.OverwritePolicy
}

// Engine replays revisions from an already-open index Model through a
// multichunk Reader onto the filesystem.
type Engine struct {
	opts   Options
	model  *index.Model
	reader *multichunk.Reader
	flags  *control.Flags
	sink   progress.Sink
	log    *slog.Logger
}

// New returns an Engine. logger and sink may be nil (discard); flags may be
// nil (never interrupted).
func New(opts Options, model *index.Model, reader *multichunk.Reader, flags *control.Flags, sink progress.Sink, logger *slog.Logger) *Engine {
	if flags == nil {
		flags = control.New()
	}
	return &Engine{
		opts:   opts,
		model:  model,
		reader: reader,
		flags:  flags,
		sink:   progress.Default(sink),
		log:    logging.Default(logger).With("component", "restore"),
	}
}

// Run reconstructs rev onto opts.DestRoot: directories first in
// lexicographic order, then every non-directory item.
func (e *Engine) Run(rev index.Revision) error {
	items := append([]index.FileTreeItem(nil), rev.Files...)
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	for _, item := range items {
		if !item.IsDir {
			continue
		}
		if e.flags.ExitRequested() {
			return frosterr.New(frosterr.Interrupted, "restore.Engine.Run", "stop requested")
		}
		if err := os.MkdirAll(e.destPath(item.Path), 0o755); err != nil {
			return frosterr.Wrap(frosterr.IO, "restore.Engine.Run", item.Path, err)
		}
	}

	for _, item := range items {
		if item.IsDir {
			continue
		}
		control.MaybeDump(e.flags, e.log)
		if e.flags.ExitRequested() {
			return frosterr.New(frosterr.Interrupted, "restore.Engine.Run", "stop requested")
		}
		if err := e.restoreItem(item); err != nil {
			if fe, ok := err.(*frosterr.Error); ok && fe.Kind == frosterr.Warning {
				progress.Warning(e.sink, item.Path, fe)
				continue
			}
			return err
		}
	}

	// Directory metadata (mode/mtime) is applied last: creating files
	// inside a directory bumps its mtime, so setting it any earlier would
	// just be clobbered.
	for _, item := range items {
		if !item.IsDir {
			continue
		}
		meta, err := e.model.Metadata(item)
		if err != nil {
			return err
		}
		e.applyMetadata(item.Path, e.destPath(item.Path), meta)
	}

	e.log.Info("revision restored", "items", len(items), "dest", e.opts.DestRoot)
	return nil
}

func (e *Engine) destPath(relPath string) string {
	return filepath.Join(e.opts.DestRoot, filepath.FromSlash(relPath))
}

// restoreItem reconstructs one non-directory FileTree item, honoring the
// overwrite policy. A skip decision is reported as a Warning-kind error so
// Run can route it through the progress sink instead of aborting.
func (e *Engine) restoreItem(item index.FileTreeItem) error {
	meta, err := e.model.Metadata(item)
	if err != nil {
		return err
	}
	dest := e.destPath(item.Path)

	if existing, err := os.Lstat(dest); err == nil {
		switch e.opts.Overwrite {
		case config.OverwriteNo:
			return frosterr.New(frosterr.Warning, "restore.Engine.restoreItem", "destination exists, skipping: "+item.Path)
		case config.OverwriteUpdate:
			if !existing.ModTime().Before(meta.MTime()) {
				return frosterr.New(frosterr.Warning, "restore.Engine.restoreItem", "destination is not older than backup, skipping: "+item.Path)
			}
		case config.OverwriteYes:
			// always overwrite
		}
		if err := os.RemoveAll(dest); err != nil {
			return frosterr.Wrap(frosterr.IO, "restore.Engine.restoreItem", dest, err)
		}
	} else if !os.IsNotExist(err) {
		return frosterr.Wrap(frosterr.IO, "restore.Engine.restoreItem", dest, err)
	}

	if meta.IsSymlink() {
		if err := os.Symlink(meta.LinkTarget, dest); err != nil {
			return frosterr.Wrap(frosterr.IO, "restore.Engine.restoreItem", dest, err)
		}
		e.applyMetadata(item.Path, dest, meta)
		return nil
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return frosterr.Wrap(frosterr.IO, "restore.Engine.restoreItem", dest, err)
	}
	defer f.Close()

	if err := e.writeChunks(item, f); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return frosterr.Wrap(frosterr.IO, "restore.Engine.restoreItem", dest, err)
	}
	e.applyMetadata(item.Path, dest, meta)
	return nil
}

// applyMetadata restores mode/ownership/mtime on an already-written path.
// A failure here (e.g. unprivileged chown) does not unwind a successful
// content restore; it is reported as a warning instead.
func (e *Engine) applyMetadata(relPath, dest string, meta fsmeta.Metadata) {
	if err := fsmeta.Apply(dest, meta); err != nil {
		progress.Warning(e.sink, relPath, frosterr.Wrap(frosterr.Warning, "restore.Engine.applyMetadata", relPath, err))
	}
}

// writeChunks streams item's chunk list, in order, to w.
func (e *Engine) writeChunks(item index.FileTreeItem, w io.Writer) error {
	chunkIDs, err := e.model.ChunkList(item)
	if err != nil {
		return err
	}
	for _, id := range chunkIDs {
		if e.flags.ExitRequested() {
			return frosterr.New(frosterr.Interrupted, "restore.Engine.writeChunks", "stop requested")
		}
		rec, ok := e.model.ChunkByID(id)
		if !ok {
			return frosterr.New(frosterr.BadFormat, "restore.Engine.writeChunks", "dangling chunk id")
		}
		mc, ok := e.model.Multichunk(rec.MultichunkID)
		if !ok {
			return frosterr.New(frosterr.BadFormat, "restore.Engine.writeChunks", "dangling multichunk id")
		}
		data, err := e.reader.Chunk(mc.Sum, mc.Compressor, rec.Checksum)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return frosterr.Wrap(frosterr.IO, "restore.Engine.writeChunks", item.Path, err)
		}
	}
	return nil
}

// Cat streams path's content, as recorded in rev, to w without touching the
// filesystem. It is the one-file variant of Run used for the --cat CLI
// action.
func (e *Engine) Cat(rev index.Revision, path string, w io.Writer) error {
	for _, item := range rev.Files {
		if item.Path != path {
			continue
		}
		if item.IsDir {
			return frosterr.New(frosterr.Policy, "restore.Engine.Cat", "path is a directory: "+path)
		}
		meta, err := e.model.Metadata(item)
		if err != nil {
			return err
		}
		if meta.IsSymlink() {
			_, err := w.Write([]byte(meta.LinkTarget))
			return err
		}
		return e.writeChunks(item, w)
	}
	return frosterr.New(frosterr.NotFound, "restore.Engine.Cat", "path not present in revision: "+path)
}
