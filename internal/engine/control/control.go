// Package control holds the cooperative signal-handling state shared by the
// long-running engines. There is no cancellation primitive in Frost: a
// signal handler sets a process-wide atomic flag, and engines poll it
// between chunks, between files, and between multichunks, returning cleanly
// at the next safe point rather than unwinding mid-operation.
package control

import (
	"log/slog"
	"runtime"
	"sync/atomic"
)

// Flags is the cooperative control state for one engine invocation. Safe for
// concurrent use; the zero value is ready to use.
type Flags struct {
	exitRequested atomic.Bool
	dumpRequested atomic.Bool
}

// New returns a ready-to-use Flags.
func New() *Flags {
	return &Flags{}
}

// RequestExit is called from a SIGINT handler. Each engine returns an
// Interrupted-kind error at its next safe point; no revision is committed
// for the interrupted run, so the index keeps its last committed state.
func (f *Flags) RequestExit() { f.exitRequested.Store(true) }

// ExitRequested reports whether a stop was requested. Engines must check
// this between chunks and between files.
func (f *Flags) ExitRequested() bool { return f.exitRequested.Load() }

// RequestDump is called from a SIGUSR2 handler; it is a one-shot flag
// consulted at safe points and cleared by TakeDump.
func (f *Flags) RequestDump() { f.dumpRequested.Store(true) }

// TakeDump reports whether a memory-stats dump was requested, clearing the
// flag so it fires only once per signal.
func (f *Flags) TakeDump() bool {
	return f.dumpRequested.CompareAndSwap(true, false)
}

// MaybeDump logs a snapshot of runtime memory stats if a dump was
// requested since the last call. Engines call this at the same safe points
// where they check ExitRequested.
func MaybeDump(f *Flags, logger *slog.Logger) {
	if !f.TakeDump() {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info("memory stats dump", "alloc_bytes", m.Alloc, "sys_bytes", m.Sys, "num_gc", m.NumGC, "goroutines", runtime.NumGoroutine())
}
