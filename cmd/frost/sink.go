package main

import (
	"fmt"
	"io"

	"github.com/frostbackup/frost/internal/engine/progress"
)

// lineSink prints one line per progress event to w, matching spec.md §6's
// "plain lines, no interactive UI" scope. Warning events print the path and
// error; pure progress events print running totals.
type lineSink struct {
	w io.Writer
}

func newLineSink(w io.Writer) progress.Sink { return lineSink{w: w} }

func (s lineSink) Report(e progress.Event) {
	if e.Warning != nil {
		fmt.Fprintf(s.w, "warning: %s: %v\n", e.Path, e.Warning)
		return
	}
	fmt.Fprintf(s.w, "%d/%d files, %d/%d bytes\n", e.FilesDone, e.FilesTotal, e.BytesDone, e.BytesTotal)
}
