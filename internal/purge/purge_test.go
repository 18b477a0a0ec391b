package purge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frostbackup/frost/internal/backup"
	"github.com/frostbackup/frost/internal/chunker"
	"github.com/frostbackup/frost/internal/config"
	"github.com/frostbackup/frost/internal/index"
	"github.com/frostbackup/frost/internal/keyfactory"
	"github.com/frostbackup/frost/internal/multichunk"
	"github.com/frostbackup/frost/internal/restore"
)

func tinyChunkerConfig() chunker.Config {
	return chunker.Config{MinSize: 4, TargetSize: 8, MaxSize: 16, WindowSize: 4}
}

// setup backs up srcDir once per snapshot in generations, into a
// fresh vault/index/remote set, returning the open writable model and
// everything needed to purge and then restore it.
func setup(t *testing.T, generations []map[string]string) (dir string, model *index.Model, factory *keyfactory.Factory, remoteDir string) {
	t.Helper()
	dir = t.TempDir()
	remoteDir = t.TempDir()
	srcDir := t.TempDir()

	var cipheredMaster []byte
	var err error
	factory, cipheredMaster, err = keyfactory.Create(filepath.Join(dir, "vault"), "pw", "primary")
	if err != nil {
		t.Fatalf("keyfactory.Create: %v", err)
	}
	model, err = index.Create(filepath.Join(dir, "index"), cipheredMaster)
	if err != nil {
		t.Fatalf("index.Create: %v", err)
	}

	for _, files := range generations {
		// Remove anything from the previous generation not present in this
		// one, so deletions show up as "dead" chunks for purge to collect.
		entries, _ := os.ReadDir(srcDir)
		for _, e := range entries {
			os.RemoveAll(filepath.Join(srcDir, e.Name()))
		}
		for rel, content := range files {
			full := filepath.Join(srcDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
		}
		eng := backup.New(backup.Options{
			SourceRoot:       srcDir,
			RemoteDir:        remoteDir,
			ChunkerConfig:    tinyChunkerConfig(),
			MultichunkBytes:  1 << 20,
			Compressor:       multichunk.None,
			EntropyThreshold: 7.9,
		}, model, factory, nil, nil, nil)
		if _, err := eng.Run(time.Now().UTC()); err != nil {
			t.Fatalf("backup Run: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	return dir, model, factory, remoteDir
}

func TestRunPurgesOldRevisionExclusiveContent(t *testing.T) {
	dir, model, factory, remoteDir := setup(t, []map[string]string{
		{"a.txt": "content only the first generation has, unique text here"},
		{"b.txt": "content only the second generation has, different text"},
	})

	indexPath := filepath.Join(dir, "index")
	eng := New(Options{
		UpToRevisionInclusive: 1,
		Strategy:              NewStrategy(config.Slow()),
		RemoteDir:             remoteDir,
		NewIndexPath:          indexPath,
	}, model, factory, nil, nil)

	if err := eng.Run(); err != nil {
		t.Fatalf("purge Run: %v", err)
	}
	if err := model.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	newModel, err := index.Open(indexPath, false)
	if err != nil {
		t.Fatalf("reopen purged index: %v", err)
	}
	defer newModel.Close()

	revs, err := newModel.Revisions()
	if err != nil {
		t.Fatalf("Revisions: %v", err)
	}
	if len(revs) != 1 {
		t.Fatalf("expected 1 surviving revision, got %d", len(revs))
	}

	found := false
	for _, item := range revs[0].Files {
		if item.Path == "b.txt" {
			found = true
		}
		if item.Path == "a.txt" {
			t.Error("a.txt should not survive the purge: it only existed in the purged revision")
		}
	}
	if !found {
		t.Error("b.txt should survive the purge")
	}
}

func TestPurgedIndexStillRestoresSurvivingRevision(t *testing.T) {
	dir, model, factory, remoteDir := setup(t, []map[string]string{
		{"old.txt": "this file is only in the old, soon-to-be-purged revision"},
		{"new.txt": "this file is only in the new, surviving revision content"},
	})

	indexPath := filepath.Join(dir, "index")
	eng := New(Options{
		UpToRevisionInclusive: 1,
		Strategy:              NewStrategy(config.Fast()),
		RemoteDir:             remoteDir,
		NewIndexPath:          indexPath,
	}, model, factory, nil, nil)
	if err := eng.Run(); err != nil {
		t.Fatalf("purge Run: %v", err)
	}
	model.Close()

	newModel, err := index.Open(indexPath, false)
	if err != nil {
		t.Fatalf("reopen purged index: %v", err)
	}
	defer newModel.Close()

	rev, ok, err := newModel.LatestRevision()
	if err != nil || !ok {
		t.Fatalf("LatestRevision: ok=%v err=%v", ok, err)
	}

	destDir := t.TempDir()
	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, multichunk.NewCache(1<<20))
	restoreEng := restore.New(restore.Options{DestRoot: destDir, Overwrite: config.OverwriteYes}, newModel, reader, nil, nil, nil)
	if err := restoreEng.Run(rev); err != nil {
		t.Fatalf("restore Run against purged index: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "new.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "this file is only in the new, surviving revision content" {
		t.Errorf("restored content mismatch: %q", got)
	}
}

func TestRunRejectsOutOfRangeUpToRevision(t *testing.T) {
	dir, model, factory, remoteDir := setup(t, []map[string]string{
		{"a.txt": "one generation only"},
	})
	indexPath := filepath.Join(dir, "index")

	eng := New(Options{
		UpToRevisionInclusive: 1, // purging the only revision leaves nothing to keep, still in range
		Strategy:              NewStrategy(config.Fast()),
		RemoteDir:             remoteDir,
		NewIndexPath:          indexPath,
	}, model, factory, nil, nil)
	if err := eng.Run(); err != nil {
		t.Fatalf("purging the only revision should succeed (empty result): %v", err)
	}
	model.Close()

	// A second purge engine against a fresh model open, with an
	// out-of-range target, should fail cleanly.
	newModel, err := index.Open(indexPath, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer newModel.Close()

	eng2 := New(Options{
		UpToRevisionInclusive: 5,
		Strategy:              NewStrategy(config.Fast()),
		RemoteDir:             remoteDir,
		NewIndexPath:          indexPath,
	}, newModel, factory, nil, nil)
	if err := eng2.Run(); err == nil {
		t.Fatal("expected an out-of-range UpToRevisionInclusive to fail")
	}
}

func TestMultichunkStateRemoveRatio(t *testing.T) {
	s := MultichunkState{ChunkCount: 4, RemovedCount: 3}
	if got := s.RemoveRatio(); got != 0.75 {
		t.Errorf("RemoveRatio = %v, want 0.75", got)
	}
	if (MultichunkState{}).RemoveRatio() != 0 {
		t.Error("RemoveRatio of an empty state should be 0, not NaN")
	}
}
