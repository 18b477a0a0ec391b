// Package progress carries the callback contract every engine (backup,
// restore, purge) reports through. Fatal errors are returned directly by the
// engine method that failed; Warning-kind issues (a symlink pointing outside
// the source root, an unsupported file type) are reported here instead, so a
// single bad file never aborts the whole run.
package progress

import "github.com/frostbackup/frost/internal/frosterr"

// Event is one reportable occurrence during a long-running operation.
type Event struct {
	// Warning is set for non-fatal per-file issues. Nil for pure progress
	// updates (BytesDone/FilesDone changing).
	Warning *frosterr.Error
	// Path is the file or directory the event concerns, if any.
	Path string
	// FilesDone / FilesTotal and BytesDone / BytesTotal are monotonically
	// increasing counters; Total may be 0 if not yet known (e.g. streaming
	// a source whose size wasn't pre-counted).
	FilesDone, FilesTotal int64
	BytesDone, BytesTotal int64
}

// Sink receives progress and warning events. A nil Sink is always valid to
// call through; use Default to get one.
type Sink interface {
	Report(Event)
}

// Func adapts a plain function to Sink.
type Func func(Event)

func (f Func) Report(e Event) { f(e) }

// discard is the Sink used when the caller supplies none.
type discard struct{}

func (discard) Report(Event) {}

// Default returns sink if non-nil, otherwise a Sink that discards every
// event. Mirrors the "dependency-injected, nil means discard" convention
// used throughout this codebase for loggers.
func Default(sink Sink) Sink {
	if sink != nil {
		return sink
	}
	return discard{}
}

// Warning reports a Warning-kind issue for a path without aborting the run.
func Warning(sink Sink, path string, err *frosterr.Error) {
	Default(sink).Report(Event{Warning: err, Path: path})
}
