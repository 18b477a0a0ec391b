package restore

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/frostbackup/frost/internal/backup"
	"github.com/frostbackup/frost/internal/chunker"
	"github.com/frostbackup/frost/internal/config"
	"github.com/frostbackup/frost/internal/index"
	"github.com/frostbackup/frost/internal/keyfactory"
	"github.com/frostbackup/frost/internal/multichunk"
)

// seedBackup runs a real backup over srcDir into a fresh model/vault/remote
// set, returning everything a restore test needs to replay it.
func seedBackup(t *testing.T, srcDir string, files map[string]string) (*index.Model, *keyfactory.Factory, string, index.Revision) {
	t.Helper()
	dir := t.TempDir()
	remoteDir := t.TempDir()

	factory, cipheredMaster, err := keyfactory.Create(filepath.Join(dir, "vault"), "pw", "primary")
	if err != nil {
		t.Fatalf("keyfactory.Create: %v", err)
	}
	model, err := index.Create(filepath.Join(dir, "index"), cipheredMaster)
	if err != nil {
		t.Fatalf("index.Create: %v", err)
	}
	t.Cleanup(func() { model.Close() })

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
		ChunkerConfig:    chunker.Config{MinSize: 4, TargetSize: 8, MaxSize: 16, WindowSize: 4},
		MultichunkBytes:  1 << 20,
		Compressor:       multichunk.Zlib,
		EntropyThreshold: 7.9,
	}, model, factory, nil, nil, nil)

	rev, err := eng.Run(time.Now().UTC())
	if err != nil {
		t.Fatalf("backup Run: %v", err)
	}
	return model, factory, remoteDir, rev
}

func TestRunRestoresTreeContentIdentically(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{
		"a.txt":     "hello world, this is some plain content",
		"sub/b.txt": "more content living under a subdirectory here",
	}
	model, factory, remoteDir, rev := seedBackup(t, srcDir, files)
	if err := os.Symlink("b.txt", filepath.Join(srcDir, "sub", "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	// Re-run the backup so the symlink is captured in the revision used below.
	eng := backup.New(backup.Options{
		SourceRoot:       srcDir,
		RemoteDir:        remoteDir,
		ChunkerConfig:    chunker.Config{MinSize: 4, TargetSize: 8, MaxSize: 16, WindowSize: 4},
		MultichunkBytes:  1 << 20,
		Compressor:       multichunk.Zlib,
		EntropyThreshold: 7.9,
	}, model, factory, nil, nil, nil)
	rev, err := eng.Run(time.Now().UTC())
	if err != nil {
		t.Fatalf("second backup Run: %v", err)
	}

	destDir := t.TempDir()
	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, multichunk.NewCache(1<<20))
	restoreEng := New(Options{DestRoot: destDir, Overwrite: config.OverwriteYes}, model, reader, nil, nil, nil)

	if err := restoreEng.Run(rev); err != nil {
		t.Fatalf("restore Run: %v", err)
	}

	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s content mismatch: got %q, want %q", rel, got, want)
		}
	}
	linkTarget, err := os.Readlink(filepath.Join(destDir, "sub", "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if linkTarget != "b.txt" {
		t.Errorf("symlink target = %q, want %q", linkTarget, "b.txt")
	}
	if fi, err := os.Stat(filepath.Join(destDir, "sub")); err != nil || !fi.IsDir() {
		t.Errorf("sub should be restored as a directory")
	}
}

func TestRunOverwritePolicyNoSkipsExisting(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{"a.txt": "backed up content"}
	model, factory, remoteDir, rev := seedBackup(t, srcDir, files)

	destDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(destDir, "a.txt"), []byte("pre-existing content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, nil)
	restoreEng := New(Options{DestRoot: destDir, Overwrite: config.OverwriteNo}, model, reader, nil, nil, nil)

	if err := restoreEng.Run(rev); err != nil {
		t.Fatalf("restore Run: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "pre-existing content" {
		t.Errorf("OverwriteNo should have preserved the existing file, got %q", got)
	}
}

func TestRunOverwriteUpdateOnlyReplacesOlder(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{"a.txt": "backed up content"}
	model, factory, remoteDir, rev := seedBackup(t, srcDir, files)

	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "a.txt")
	if err := os.WriteFile(destPath, []byte("newer content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(destPath, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, nil)
	restoreEng := New(Options{DestRoot: destDir, Overwrite: config.OverwriteUpdate}, model, reader, nil, nil, nil)

	if err := restoreEng.Run(rev); err != nil {
		t.Fatalf("restore Run: %v", err)
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "newer content" {
		t.Errorf("OverwriteUpdate should not replace a destination newer than the backup, got %q", got)
	}
}

func TestCatStreamsSingleFile(t *testing.T) {
	srcDir := t.TempDir()
	content := strings.Repeat("streamed content for cat ", 10)
	files := map[string]string{"doc.txt": content}
	model, factory, remoteDir, rev := seedBackup(t, srcDir, files)

	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, nil)
	restoreEng := New(Options{}, model, reader, nil, nil, nil)

	var buf bytes.Buffer
	if err := restoreEng.Cat(rev, "doc.txt", &buf); err != nil {
		t.Fatalf("Cat: %v", err)
	}
	if buf.String() != content {
		t.Errorf("Cat output mismatch: got %q, want %q", buf.String(), content)
	}
}

func TestCatRejectsDirectory(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{"sub/a.txt": "x"}
	model, factory, remoteDir, rev := seedBackup(t, srcDir, files)

	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, nil)
	restoreEng := New(Options{}, model, reader, nil, nil, nil)

	var buf bytes.Buffer
	if err := restoreEng.Cat(rev, "sub", &buf); err == nil {
		t.Fatal("expected Cat on a directory to fail")
	}
}

func TestCatUnknownPathNotFound(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{"a.txt": "x"}
	model, factory, remoteDir, rev := seedBackup(t, srcDir, files)

	reader := multichunk.NewReader(multichunk.DirSource{Dir: remoteDir}, factory, nil)
	restoreEng := New(Options{}, model, reader, nil, nil, nil)

	var buf bytes.Buffer
	if err := restoreEng.Cat(rev, "missing.txt", &buf); err == nil {
		t.Fatal("expected Cat on an unknown path to fail")
	}
}
