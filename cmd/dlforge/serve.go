package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/engine"
	"github.com/dlforge/dlforge/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Drain every pending, retry-wait, and in-flight download in the queue, then exit",
	Long: "serve runs the scheduler until nothing dispatchable remains: it does not " +
		"resume paused tasks on its own, and it exits once the queue is idle " +
		"rather than running as a background service.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)
	defer e.Stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted; in-flight tasks are left paused, queued tasks stay pending")
			return nil
		case <-ticker.C:
			if !hasDispatchableWork(e.List()) {
				fmt.Println("queue drained")
				return nil
			}
		}
	}
}

func hasDispatchableWork(snaps []queue.Snapshot) bool {
	for _, s := range snaps {
		switch queue.State(s.State) {
		case queue.Pending, queue.Starting, queue.Downloading, queue.RetryWait:
			return true
		}
	}
	return false
}
