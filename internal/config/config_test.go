package config

import (
	"path/filepath"
	"testing"

	"github.com/frostbackup/frost/internal/multichunk"
)

func TestParseSize(t *testing.T) {
	cases := map[string]uint64{
		"100":  100,
		"4K":   4 << 10,
		"4k":   4 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseSize("not-a-size"); err == nil {
		t.Fatal("expected error for garbage size")
	}
}

func TestParseOverwritePolicy(t *testing.T) {
	cases := map[string]OverwritePolicy{
		"":       OverwriteNo,
		"no":     OverwriteNo,
		"yes":    OverwriteYes,
		"Update": OverwriteUpdate,
	}
	for in, want := range cases {
		got, err := ParseOverwritePolicy(in)
		if err != nil {
			t.Fatalf("ParseOverwritePolicy(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseOverwritePolicy(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseOverwritePolicy("bogus"); err == nil {
		t.Fatal("expected error for invalid overwrite policy")
	}
}

func TestParsePurgeStrategy(t *testing.T) {
	fast, err := ParsePurgeStrategy("fast")
	if err != nil || fast.ThresholdPercent != 100 {
		t.Fatalf("ParsePurgeStrategy(fast) = %+v, %v", fast, err)
	}
	slow, err := ParsePurgeStrategy("slow")
	if err != nil || slow.ThresholdPercent != 0 {
		t.Fatalf("ParsePurgeStrategy(slow) = %+v, %v", slow, err)
	}
	pct, err := ParsePurgeStrategy("42")
	if err != nil || pct.ThresholdPercent != 42 {
		t.Fatalf("ParsePurgeStrategy(42) = %+v, %v", pct, err)
	}
	if _, err := ParsePurgeStrategy("142"); err == nil {
		t.Fatal("expected out-of-range percentage to be rejected")
	}
}

func TestParseCompressor(t *testing.T) {
	cases := map[string]multichunk.Kind{
		"none": multichunk.None,
		"zlib": multichunk.Zlib,
		"bsc":  multichunk.BSC,
	}
	for in, want := range cases {
		got, err := ParseCompressor(in)
		if err != nil || got != want {
			t.Fatalf("ParseCompressor(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseCompressor("lz4"); err == nil {
		t.Fatal("expected unsupported compressor to be rejected")
	}
}

func TestResolveIndexPathDefaultsUnderRemote(t *testing.T) {
	c := Default()
	c.RemoteDir = "/backups/set1"
	want := filepath.Join("/backups/set1", "index.frost")
	if got := c.ResolveIndexPath(); got != want {
		t.Errorf("ResolveIndexPath() = %q, want %q", got, want)
	}

	c.IndexPath = "/elsewhere/idx"
	if got := c.ResolveIndexPath(); got != "/elsewhere/idx" {
		t.Errorf("ResolveIndexPath() = %q, want explicit override", got)
	}
}

func TestResolveVaultPathExpandsHome(t *testing.T) {
	c := Default()
	path, err := c.ResolveVaultPath()
	if err != nil {
		t.Fatalf("ResolveVaultPath: %v", err)
	}
	if filepath.Base(path) != "keys" {
		t.Errorf("ResolveVaultPath() = %q, want path ending in keys", path)
	}
}
