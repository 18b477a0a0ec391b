// Command frost is a thin CLI dispatcher over the backup, restore, and purge
// engines: it resolves flags into a config.Config, opens (or creates) the
// key vault and index, and drives exactly one mutually-exclusive action per
// invocation.
//
// Logging, like the teacher's gastrolog, is configured once here and
// dependency-injected into every engine; no component reaches for a global
// logger.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// exitNoActionMatched mirrors spec.md §6's internal dispatch sentinel: no
// mutually-exclusive action flag was set. It is translated to a usage error
// and exit code 1 before Execute returns — it must never reach os.Exit.
const exitNoActionMatched = 26748

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := newRootCommand(logger)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "frost:", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	var f flagSet

	cmd := &cobra.Command{
		Use:           "frost",
		Short:         "Encrypted, deduplicating, content-addressed backup engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.verbose {
				logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
			code, err := dispatch(cmd, &f, args, logger)
			if err != nil {
				return err
			}
			if code == exitNoActionMatched {
				cmd.Usage()
				return fmt.Errorf("no action flag given")
			}
			return nil
		},
	}

	f.register(cmd)
	return cmd
}
