package dedup

import (
	"math/rand"
	"testing"
)

func randChecksum(r *rand.Rand) Checksum {
	var c Checksum
	r.Read(c[:])
	return c
}

func TestInsertLookupRoundTrip(t *testing.T) {
	tbl := New(4)
	r := rand.New(rand.NewSource(1))

	keys := make([]Checksum, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, randChecksum(r))
	}
	for i, k := range keys {
		tbl.Insert(k, uint32(i))
	}
	if tbl.Len() != len(keys) {
		t.Fatalf("Len = %d, want %d", tbl.Len(), len(keys))
	}
	for i, k := range keys {
		v, ok := tbl.Lookup(k)
		if !ok {
			t.Fatalf("key %d: not found", i)
		}
		if v != uint32(i) {
			t.Fatalf("key %d: got value %d, want %d", i, v, uint32(i))
		}
	}
}

func TestLookupMiss(t *testing.T) {
	tbl := New(4)
	tbl.Insert(Checksum{1}, 1)
	if _, ok := tbl.Lookup(Checksum{2}); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestInsertOverwrite(t *testing.T) {
	tbl := New(4)
	key := Checksum{9, 9, 9}
	tbl.Insert(key, 1)
	tbl.Insert(key, 2)
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after overwrite", tbl.Len())
	}
	v, ok := tbl.Lookup(key)
	if !ok || v != 2 {
		t.Fatalf("got (%d, %v), want (2, true)", v, ok)
	}
}

func TestGrowPreservesEntries(t *testing.T) {
	tbl := New(1)
	r := rand.New(rand.NewSource(2))
	keys := make([]Checksum, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := randChecksum(r)
		keys = append(keys, k)
		tbl.Insert(k, uint32(i))
	}
	for i, k := range keys {
		v, ok := tbl.Lookup(k)
		if !ok || v != uint32(i) {
			t.Fatalf("key %d lost after growth: got (%d, %v)", i, v, ok)
		}
	}
}

func TestEmptyTableLookup(t *testing.T) {
	tbl := New(0)
	if _, ok := tbl.Lookup(Checksum{}); ok {
		t.Fatal("expected miss on empty table")
	}
}
