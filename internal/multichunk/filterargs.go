package multichunk

import (
	"bytes"
	"errors"
	"strings"
)

// ErrFilterTableFull is returned by FilterArgumentTable.Add when the table
// has reached its 32-bit ID space.
var ErrFilterTableFull = errors.New("multichunk: filter argument table full")

// ErrFilterArgumentNotFound is returned by FilterArgumentTable.Get for an
// unknown ID.
var ErrFilterArgumentNotFound = errors.New("multichunk: filter argument not found")

// FilterArgumentTable deduplicates the compressor/cipher argument strings
// (e.g. a zstd dictionary name, a cipher mode label) referenced by the
// index's FilterArgument block, the same way the teacher's StringDict
// deduplicates attribute keys and values: a sequential-ID table appended to
// once per new string, referenced by ID everywhere else.
type FilterArgumentTable struct {
	args   []string
	lookup map[string]uint32
}

// NewFilterArgumentTable returns an empty table.
func NewFilterArgumentTable() *FilterArgumentTable {
	return &FilterArgumentTable{lookup: make(map[string]uint32)}
}

// Add registers s and returns its ID, reusing the existing ID if s is
// already present.
func (t *FilterArgumentTable) Add(s string) (uint32, error) {
	if id, ok := t.lookup[s]; ok {
		return id, nil
	}
	if len(t.args) >= 1<<32-1 {
		return 0, ErrFilterTableFull
	}
	id := uint32(len(t.args))
	t.args = append(t.args, s)
	t.lookup[s] = id
	return id, nil
}

// Get returns the string registered under id.
func (t *FilterArgumentTable) Get(id uint32) (string, error) {
	if int(id) >= len(t.args) {
		return "", ErrFilterArgumentNotFound
	}
	return t.args[id], nil
}

// Len reports the number of distinct strings registered.
func (t *FilterArgumentTable) Len() int { return len(t.args) }

// Encode serializes the full table as the index's FilterArgument block
// payload: newline-joined UTF-8 filter strings, zero-padded to a 4-byte
// boundary.
func (t *FilterArgumentTable) Encode() []byte {
	joined := strings.Join(t.args, "\n")
	size := len(joined)
	if rem := size % 4; rem != 0 {
		size += 4 - rem
	}
	buf := make([]byte, size)
	copy(buf, joined)
	return buf
}

// DecodeFilterArgumentTable rebuilds a table from a FilterArgument block
// payload previously produced by Encode. The zero padding is stripped
// before splitting on newlines; a filter argument string is never empty,
// so a run of trailing NUL bytes can't be confused with one.
func DecodeFilterArgumentTable(data []byte) (*FilterArgumentTable, error) {
	t := NewFilterArgumentTable()
	trimmed := bytes.TrimRight(data, "\x00")
	if len(trimmed) == 0 {
		return t, nil
	}
	for _, s := range strings.Split(string(trimmed), "\n") {
		if _, err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}
