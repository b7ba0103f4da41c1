package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/engine"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [task-id]",
	Short: "Pause a queued or in-flight download",
	Args:  cobra.ExactArgs(1),
	RunE:  withTaskMutation(func(e *engine.Engine, id string) error { return e.Pause(id) }),
}

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume a paused download",
	Args:  cobra.ExactArgs(1),
	RunE:  withTaskMutation(func(e *engine.Engine, id string) error { return e.Resume(id) }),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a download",
	Args:  cobra.ExactArgs(1),
	RunE:  withTaskMutation(func(e *engine.Engine, id string) error { return e.Cancel(id) }),
}

// withTaskMutation wraps a single scheduler call (Pause/Resume/Cancel)
// with the single-shot lifecycle every CLI mutation shares: acquire the
// instance lock, rehydrate the engine from persisted state, apply the
// call, flush, exit.
func withTaskMutation(apply func(*engine.Engine, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
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

		if err := apply(e, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", cmd.Name(), args[0])
		return nil
	}
}
