package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/engine"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued, paused, and in-flight downloads",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func runLs(cmd *cobra.Command, args []string) error {
	lock, ok, err := acquireLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another dlforge invocation is already running")
	}
	defer lock.release()

	opts, err := loadOptions()
	if err != nil {
		return err
	}
	e, err := engine.New(opts, ledgerPath())
	if err != nil {
		return err
	}
	defer e.Stop()

	snaps := e.List()
	if len(snaps) == 0 {
		fmt.Println("no queued downloads")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tHOST\tPRIORITY\tATTEMPT")
	for _, s := range snaps {
		pct := 0.0
		if s.BytesTotal > 0 {
			pct = float64(s.BytesDownloaded) / float64(s.BytesTotal) * 100
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%d\t%d/%d\n",
			s.TaskID, s.State, pct, s.Host, s.EffectivePriority, s.Attempt, s.MaxAttempts)
	}
	return w.Flush()
}
