// Package dedup implements the in-memory checksum lookup table the backup
// engine consults before storing a chunk: checksum -> chunk index, so a
// chunk already present anywhere in the index is found in O(1) rather than
// by scanning the Chunk block list.
//
// The table uses open addressing with Robin Hood displacement, the one hash
// table design spec.md calls out by name: linear probing where an insertion
// that travels farther than the entry it displaces steals that entry's slot,
// which bounds the variance of probe lengths and keeps worst-case lookups
// short even past a 0.80 load factor.
package dedup

import "hash/maphash"

// loadFactorNum/loadFactorDen bound the table at 80% full before a grow.
const (
	loadFactorNum = 4
	loadFactorDen = 5
)

// Checksum is the chunk content hash used as the table's key. Frost chunks
// are keyed by SHA-1 (see internal/chunker), widened to 32 bytes here so the
// table can also hold a SHA-256 multichunk-file hash without a second type.
type Checksum [32]byte

// empty marks a slot that has never held an entry. entryHash 0 is reserved
// for "empty" in the internal probe metadata, so a real checksum that
// happens to hash to 0 is remapped to 1 (spec.md §9, "zero-hash remapped").
const emptyHash = 0

type entry struct {
	key      Checksum
	value    uint32 // chunk index into the Chunk block list
	hash     uint64 // 0 means the slot is empty
	distance uint32 // probe distance from the ideal slot, for Robin Hood swaps
}

// Table is a Robin-Hood open-addressed checksum -> chunk-index map. The zero
// value is not ready to use; call New.
type Table struct {
	seed    maphash.Seed
	entries []entry
	count   int
}

// New returns an empty table sized for an expected initial occupancy.
func New(expectedEntries int) *Table {
	size := 16
	for size*loadFactorNum/loadFactorDen < expectedEntries {
		size *= 2
	}
	return &Table{
		seed:    maphash.MakeSeed(),
		entries: make([]entry, size),
	}
}

func (t *Table) hashOf(key Checksum) uint64 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.Write(key[:])
	sum := h.Sum64()
	if sum == emptyHash {
		return 1
	}
	return sum
}

// Len reports the number of distinct checksums stored.
func (t *Table) Len() int { return t.count }

// Lookup returns the chunk index stored for key, if any.
func (t *Table) Lookup(key Checksum) (uint32, bool) {
	if len(t.entries) == 0 {
		return 0, false
	}
	h := t.hashOf(key)
	mask := uint64(len(t.entries) - 1)
	idx := h & mask
	var dist uint32
	for {
		e := &t.entries[idx]
		if e.hash == emptyHash {
			return 0, false
		}
		if e.hash == h && e.key == key {
			return e.value, true
		}
		if dist > e.distance {
			// Robin Hood invariant: entries are stored in non-decreasing
			// probe distance order along a run, so once we've travelled
			// farther than the occupant could have, key isn't present.
			return 0, false
		}
		idx = (idx + 1) & mask
		dist++
	}
}

// Insert stores value under key, overwriting any existing entry for the
// same checksum. Grows the table first if the load factor would exceed
// 0.80.
func (t *Table) Insert(key Checksum, value uint32) {
	if len(t.entries) == 0 || (t.count+1)*loadFactorDen > len(t.entries)*loadFactorNum {
		t.grow()
	}
	t.insert(key, t.hashOf(key), value)
}

func (t *Table) insert(key Checksum, h uint64, value uint32) {
	mask := uint64(len(t.entries) - 1)
	idx := h & mask
	cur := entry{key: key, value: value, hash: h, distance: 0}
	for {
		e := &t.entries[idx]
		if e.hash == emptyHash {
			*e = cur
			t.count++
			return
		}
		if e.hash == cur.hash && e.key == cur.key {
			e.value = cur.value
			return
		}
		if cur.distance > e.distance {
			// Rich-gets-poorer swap: the incoming entry has traveled
			// farther from home than the occupant, so it takes the slot
			// and the occupant continues probing in its place.
			cur, *e = *e, cur
		}
		idx = (idx + 1) & mask
		cur.distance++
	}
}

func (t *Table) grow() {
	old := t.entries
	size := 16
	if len(old) > 0 {
		size = len(old) * 2
	}
	t.entries = make([]entry, size)
	t.count = 0
	for _, e := range old {
		if e.hash != emptyHash {
			t.insert(e.key, e.hash, e.value)
		}
	}
}
