// Package config holds the typed options struct handed to every engine
// constructor, populated by cmd/frost from CLI flags. Mirrors the teacher's
// own internal/config: a single plain struct threaded in at construction
// time, never read from a package-level global.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/frostbackup/frost/internal/multichunk"
)

// OverwritePolicy is the closed set of restore overwrite behaviors.
type OverwritePolicy int

const (
	OverwriteNo OverwritePolicy = iota
	OverwriteYes
	OverwriteUpdate
)

// ParseOverwritePolicy parses the --overwrite flag value.
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch strings.ToLower(s) {
	case "no", "":
		return OverwriteNo, nil
	case "yes":
		return OverwriteYes, nil
	case "update":
		return OverwriteUpdate, nil
	default:
		return 0, &invalidValueError{flag: "overwrite", value: s}
	}
}

type invalidValueError struct {
	flag, value string
}

func (e *invalidValueError) Error() string {
	return "config: invalid value " + strconv.Quote(e.value) + " for --" + e.flag
}

// PurgeStrategy is the closed set spec.md §4.9 names for purge repacking:
// Fast (threshold=100, never repack), Slow (threshold=0, always repack), or
// an explicit 0-100 percentage.
type PurgeStrategy struct {
	ThresholdPercent int
}

// Fast never repacks a multichunk unless every one of its chunks is dead.
func Fast() PurgeStrategy { return PurgeStrategy{ThresholdPercent: 100} }

// Slow repacks any multichunk with at least one dead chunk.
func Slow() PurgeStrategy { return PurgeStrategy{ThresholdPercent: 0} }

// ParsePurgeStrategy parses the --strategy flag: "fast", "slow", or an
// integer 0-100.
func ParsePurgeStrategy(s string) (PurgeStrategy, error) {
	switch strings.ToLower(s) {
	case "fast":
		return Fast(), nil
	case "slow":
		return Slow(), nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 100 {
			return PurgeStrategy{}, &invalidValueError{flag: "strategy", value: s}
		}
		return PurgeStrategy{ThresholdPercent: n}, nil
	}
}

// Config is the full set of options a backup-set operation needs: where the
// multichunks and index live, which key to use, and the tunables spec.md §6
// exposes as optional CLI parameters.
type Config struct {
	RemoteDir   string // directory holding multichunk files
	IndexPath   string // defaults to RemoteDir/index.frost
	VaultPath   string // defaults to ~/.frost/keys
	KeyID       string
	Password    string
	SafeIndex   bool // also encrypt the index file at rest

	CacheBytes      uint64 // multichunk Reader cache size, bytes
	MultichunkBytes uint64 // SizePolicy threshold, bytes
	Compressor      multichunk.Kind
	Strategy        PurgeStrategy
	Overwrite       OverwritePolicy
	EntropyThreshold float64
	ExcludeFile     string
	IncludeFile     string
	Verbose         bool
}

const (
	defaultMultichunkBytes = 64 * 1024 * 1024
	defaultCacheBytes      = 256 * 1024 * 1024
	defaultEntropyThreshold = 7.5 // bits/byte; above this, skip compression
)

// Default returns a Config with spec.md's documented defaults, everything
// else zero.
func Default() Config {
	return Config{
		MultichunkBytes:  defaultMultichunkBytes,
		CacheBytes:       defaultCacheBytes,
		Compressor:       multichunk.Zlib,
		Strategy:         Fast(),
		Overwrite:        OverwriteNo,
		EntropyThreshold: defaultEntropyThreshold,
	}
}

// ResolveIndexPath returns IndexPath if set, else RemoteDir/index.frost.
func (c Config) ResolveIndexPath() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	return filepath.Join(c.RemoteDir, "index.frost")
}

// ResolveVaultPath expands "~/" in VaultPath (or the default path) against
// $HOME, matching spec.md §6's "HOME expansion on ~/ in paths".
func (c Config) ResolveVaultPath() (string, error) {
	path := c.VaultPath
	if path == "" {
		path = "~/.frost/keys"
	}
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

// ParseSize parses a CLI size value with an optional K/M/G suffix
// (case-insensitive, binary multiples) into bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &invalidValueError{flag: "size", value: s}
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &invalidValueError{flag: "size", value: s}
	}
	return n * mult, nil
}

// ParseCompressor parses the --compression flag against spec.md's closed
// set; "none" is accepted too even though it's not a CLI-exposed default,
// since --entropy routing can pick it per multichunk.
func ParseCompressor(s string) (multichunk.Kind, error) {
	switch strings.ToLower(s) {
	case "zlib":
		return multichunk.Zlib, nil
	case "bsc":
		return multichunk.BSC, nil
	case "none":
		return multichunk.None, nil
	default:
		return 0, &invalidValueError{flag: "compression", value: s}
	}
}
