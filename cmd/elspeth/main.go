// Command elspeth executes configuration-driven row pipelines with a
// tamper-evident audit trail. Exit code 0 means the run completed; 1 means
// it failed or aborted.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "elspeth",
		Short:         "Audited row-pipeline execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "pipeline configuration file (YAML)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newRunCmd(), newResumeCmd(), newPurgeCmd(), newExportCmd())

	if err := root.Execute(); err != nil {
		log := logger()
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}
