package main

import (
	"github.com/spf13/cobra"
)

// flagSet holds every flag spec.md §6 documents, bound directly to cobra.
// Action flags are mutually exclusive by convention (dispatch picks the
// first one set); cobra doesn't enforce mutual exclusivity for string flags
// with meaningful empty values, so dispatch checks cmd.Flags().Changed.
type flagSet struct {
	backup        string
	restore       string
	purge         string
	list          string
	filelist      string
	cat           string
	dump          bool
	decryptindex  bool
	test          string

	remote    string
	index     string
	keyvault  string
	keyid     string
	password  string
	safeindex bool

	cache       string
	overwrite   string
	multichunk  string
	compression string
	strategy    string
	exclude     string
	include     string
	entropy     float64
	verbose     bool

	rev int
}

func (f *flagSet) register(cmd *cobra.Command) {
	fl := cmd.Flags()

	fl.StringVar(&f.backup, "backup", "", "back up the given directory")
	fl.StringVar(&f.restore, "restore", "", "restore into the given directory")
	fl.StringVar(&f.purge, "purge", "", "purge revisions up to and including the given 1-based index (use with --rev)")
	fl.StringVar(&f.list, "list", "", "list revisions in a backup set")
	fl.StringVar(&f.filelist, "filelist", "", "list files in a revision")
	fl.StringVar(&f.cat, "cat", "", "stream one file's content to stdout")
	fl.BoolVar(&f.dump, "dump", false, "dump index statistics")
	fl.BoolVar(&f.decryptindex, "decryptindex", false, "decrypt a --safeindex index to stdout")
	fl.StringVar(&f.test, "test", "", "run a named internal self-check")

	fl.StringVar(&f.remote, "remote", "", "path to the multichunk directory")
	fl.StringVar(&f.index, "index", "", "path to the index file (default: remote/index.frost)")
	fl.StringVar(&f.keyvault, "keyvault", "", "path to the key vault file (default: ~/.frost/keys)")
	fl.StringVar(&f.keyid, "keyid", "", "key id within the vault")
	fl.StringVar(&f.password, "password", "", "vault password (falls back to stdin)")
	fl.BoolVar(&f.safeindex, "safeindex", false, "also encrypt the index file at rest")

	fl.StringVar(&f.cache, "cache", "", "multichunk reader cache size, e.g. 256M")
	fl.StringVar(&f.overwrite, "overwrite", "", "restore overwrite policy: yes, no, update")
	fl.StringVar(&f.multichunk, "multichunk", "", "multichunk size threshold, e.g. 64M")
	fl.StringVar(&f.compression, "compression", "", "compressor: zlib or bsc")
	fl.StringVar(&f.strategy, "strategy", "", "purge repack strategy: slow, fast, or 0-100")
	fl.StringVar(&f.exclude, "exclude", "", "path to an exclusion rule file")
	fl.StringVar(&f.include, "include", "", "path to an inclusion rule file")
	fl.Float64Var(&f.entropy, "entropy", 0, "entropy threshold (bits/byte) above which chunks store uncompressed")
	fl.BoolVar(&f.verbose, "verbose", false, "enable debug logging")

	fl.IntVar(&f.rev, "rev", 0, "1-based revision number (restore/cat default to the latest; purge requires it)")
}
