package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/frostbackup/frost/internal/config"
	"github.com/frostbackup/frost/internal/index"
	"github.com/frostbackup/frost/internal/keyfactory"
)

// resolveConfig turns the parsed flags into a config.Config, applying
// spec.md's documented defaults for anything left unset.
func resolveConfig(f *flagSet) (config.Config, error) {
	cfg := config.Default()
	cfg.RemoteDir = f.remote
	cfg.IndexPath = f.index
	cfg.VaultPath = f.keyvault
	cfg.KeyID = f.keyid
	cfg.SafeIndex = f.safeindex
	cfg.Verbose = f.verbose

	var err error
	cfg.Password, err = resolvePassword(f.password)
	if err != nil {
		return cfg, err
	}

	if f.cache != "" {
		if cfg.CacheBytes, err = config.ParseSize(f.cache); err != nil {
			return cfg, err
		}
	}
	if f.multichunk != "" {
		if cfg.MultichunkBytes, err = config.ParseSize(f.multichunk); err != nil {
			return cfg, err
		}
	}
	if f.compression != "" {
		if cfg.Compressor, err = config.ParseCompressor(f.compression); err != nil {
			return cfg, err
		}
	}
	if f.strategy != "" {
		if cfg.Strategy, err = config.ParsePurgeStrategy(f.strategy); err != nil {
			return cfg, err
		}
	}
	if f.overwrite != "" {
		if cfg.Overwrite, err = config.ParseOverwritePolicy(f.overwrite); err != nil {
			return cfg, err
		}
	}
	if f.entropy != 0 {
		cfg.EntropyThreshold = f.entropy
	}
	cfg.ExcludeFile = f.exclude
	cfg.IncludeFile = f.include

	if cfg.RemoteDir == "" {
		return cfg, fmt.Errorf("--remote is required")
	}
	if cfg.KeyID == "" {
		return cfg, fmt.Errorf("--keyid is required")
	}
	return cfg, nil
}

// resolvePassword returns flagVal if non-empty, otherwise reads one line
// from stdin (spec.md §1 names an interactive prompt out of scope, so this
// is the whole of password resolution: flag or piped stdin).
func resolvePassword(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read password from stdin: %w", err)
		}
		return "", fmt.Errorf("no --password given and stdin is empty")
	}
	return scanner.Text(), nil
}

// backupSet bundles the open Model and Factory for one CLI invocation, plus
// everything needed to put a --safeindex index back to rest afterward.
type backupSet struct {
	model   *index.Model
	factory *keyfactory.Factory

	cfg       config.Config
	plainPath string
	openPath  string
	aesPath   string
	usingTemp bool
	indexKey  [32]byte
}

// openBackupSet resolves the vault and index for cfg, creating either if
// this is the very first backup (create implies writable). writable governs
// whether the index is opened for appending a new revision.
func openBackupSet(cfg config.Config, writable, create bool) (*backupSet, error) {
	vaultPath, err := cfg.ResolveVaultPath()
	if err != nil {
		return nil, err
	}
	plainPath := cfg.ResolveIndexPath()
	aesPath := plainPath + ".aes"
	indexKey := keyfactory.DeriveIndexKey(cfg.Password, cfg.KeyID)

	bs := &backupSet{cfg: cfg, plainPath: plainPath, aesPath: aesPath, indexKey: indexKey}

	openPath := plainPath
	if cfg.SafeIndex {
		if _, err := os.Stat(aesPath); err == nil {
			plaintext, err := index.DecryptFile(aesPath, indexKey)
			if err != nil {
				return nil, err
			}
			tmp, err := os.CreateTemp(filepath.Dir(plainPath), ".frost-index-*")
			if err != nil {
				return nil, fmt.Errorf("stage decrypted index: %w", err)
			}
			if _, err := tmp.Write(plaintext); err != nil {
				tmp.Close()
				os.Remove(tmp.Name())
				return nil, fmt.Errorf("stage decrypted index: %w", err)
			}
			tmp.Close()
			openPath = tmp.Name()
			bs.usingTemp = true
		}
	}

	bs.openPath = openPath

	if _, err := os.Stat(openPath); os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("index %s does not exist", plainPath)
		}
		factory, cipheredMaster, err := keyfactory.Create(vaultPath, cfg.Password, cfg.KeyID)
		if err != nil {
			return nil, err
		}
		model, err := index.Create(openPath, cipheredMaster)
		if err != nil {
			return nil, err
		}
		bs.model, bs.factory = model, factory
		return bs, nil
	}

	model, err := index.Open(openPath, writable)
	if err != nil {
		return nil, err
	}
	factory, err := keyfactory.Open(vaultPath, cfg.Password, cfg.KeyID, model.CipheredMaster())
	if err != nil {
		model.Close()
		return nil, err
	}
	bs.model, bs.factory = model, factory
	return bs, nil
}

// Close closes the underlying Model and, for a --safeindex set, re-encrypts
// it back to aesPath and removes the plaintext copy, whether or not the
// operation wrote to it. Pass the operation's own error through so a failed run never
// overwrites the at-rest ciphertext with a half-written index.
func (bs *backupSet) Close(opErr error) error {
	if err := bs.model.Close(); err != nil && opErr == nil {
		opErr = err
	}

	if bs.cfg.SafeIndex && opErr == nil {
		if err := index.EncryptFile(bs.openPath, bs.aesPath, bs.indexKey); err != nil {
			opErr = err
		} else {
			// Never leave a plaintext copy lying around for a safeindex set,
			// whether it was staged in a temp file or freshly created here.
			os.Remove(bs.openPath)
		}
	} else if bs.usingTemp {
		os.Remove(bs.openPath)
	}
	return opErr
}
