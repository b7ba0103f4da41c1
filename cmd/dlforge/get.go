package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dlforge/dlforge/internal/engine"
	"github.com/dlforge/dlforge/internal/events"
	"github.com/dlforge/dlforge/internal/queue"
)

var (
	getOutput      string
	getPriority    int
	getMaxAttempts int
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Queue a download and watch it to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getOutput, "output", "o", ".", "destination file or directory")
	getCmd.Flags().IntVarP(&getPriority, "priority", "p", 5, "priority 1-10, higher is sooner")
	getCmd.Flags().IntVarP(&getMaxAttempts, "max-attempts", "r", 3, "maximum retry attempts")
}

func runGet(cmd *cobra.Command, args []string) error {
	lock, ok, err := acquireLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another dlforge invocation is already running; its scheduler owns the queue")
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

	id, err := e.Enqueue(args[0], getOutput, getPriority, getMaxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	done := make(chan queue.State, 1)
	sub := e.Subscribe(events.TaskUpdated, func(ev events.Event) {
		if ev.Snapshot.TaskID != id {
			return
		}
		fmt.Fprint(os.Stderr, progressLine(args[0], ev.Snapshot.BytesDownloaded, ev.Snapshot.BytesTotal, ev.Snapshot.ThroughputBps, queue.State(ev.Snapshot.State)))
		if queue.State(ev.Snapshot.State).Terminal() {
			select {
			case done <- queue.State(ev.Snapshot.State):
			default:
			}
		}
	})
	defer e.Unsubscribe(sub)

	select {
	case final := <-done:
		fmt.Fprintln(os.Stderr)
		switch final {
		case queue.Completed:
			fmt.Printf("done: %s\n", args[0])
			return nil
		case queue.Failed:
			snap, _ := firstMatch(e.List(), id)
			return fmt.Errorf("download failed: %s", snap.LastError)
		default:
			return fmt.Errorf("download ended in state %s", final)
		}
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		return fmt.Errorf("interrupted; task %s left paused for a later resume", id)
	}
}

func firstMatch(snaps []queue.Snapshot, id string) (queue.Snapshot, bool) {
	for _, s := range snaps {
		if s.TaskID == id {
			return s, true
		}
	}
	return queue.Snapshot{}, false
}
