// Package dlforge is the thin cobra CLI over internal/engine: each
// subcommand is a single-shot process that opens the persisted queue
// state, does one thing (enqueue, pause, resume, cancel, list, or
// drain the queue), and exits. There is no resident daemon; a single
// flock guards the queue state file against concurrent invocations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/config"
)

var (
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "dlforge",
	Short:   "A multi-connection HTTP(S) download engine",
	Long:    "dlforge queues, retries, and resumes HTTP(S) downloads across multiple connections with bandwidth shaping and crash-safe persistence.",
	Version: version,
	SilenceUsage: true,
}

// Execute runs the root command and exits the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(getCmd, pauseCmd, resumeCmd, cancelCmd, lsCmd, serveCmd)
	rootCmd.SetVersionTemplate("dlforge version {{.Version}}\n")
}

// loadOptions reads the persisted Options file, falling back to
// defaults, and forces queue persistence on so state survives between
// single-shot invocations.
func loadOptions() (*config.Options, error) {
	opts, err := config.Load(optionsPath())
	if err != nil {
		return nil, err
	}
	opts.PersistQueue = true
	opts.QueueStatePath = queueStatePath()
	return opts, nil
}
