package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/config"
	"github.com/dlforge/dlforge/internal/events"
	"github.com/dlforge/dlforge/internal/queue"
	"github.com/dlforge/dlforge/internal/testutil"
)

func waitForState(t *testing.T, e *Engine, id string, want queue.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got, ok := e.scheduler.Get(id); ok && got.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s in time", id, want)
}

func TestEngineEndToEndDownloadCompletes(t *testing.T) {
	srv := testutil.NewRangeServer(64<<10, 200)
	defer srv.Close()

	opts := config.Default()
	e, err := New(opts, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	dest := filepath.Join(t.TempDir(), "out.bin")
	id, err := e.Enqueue(srv.URL(), dest, 5, 1)
	require.NoError(t, err)

	waitForState(t, e, id, queue.Completed, 5*time.Second)
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	srv := testutil.NewRangeServer(32<<10, 201)
	srv.FailTimes = 2
	defer srv.Close()

	opts := config.Default()
	opts.RetryEnabled = true
	opts.RetryMaxAttempts = 5
	opts.RetryBackoffBaseS = 0.05
	opts.RetryBackoffMaxS = 0.2

	e, err := New(opts, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	dest := filepath.Join(t.TempDir(), "out.bin")
	id, err := e.Enqueue(srv.URL(), dest, 5, 5)
	require.NoError(t, err)

	waitForState(t, e, id, queue.Completed, 10*time.Second)

	task, ok := e.scheduler.Get(id)
	require.True(t, ok)
	require.Equal(t, 3, task.Attempt)
}

func TestEnginePublishesTransitionEvents(t *testing.T) {
	srv := testutil.NewRangeServer(16<<10, 202)
	defer srv.Close()

	opts := config.Default()
	e, err := New(opts, "")
	require.NoError(t, err)

	seen := make(chan events.Snapshot, 16)
	e.Subscribe(events.TaskUpdated, func(ev events.Event) {
		seen <- ev.Snapshot
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	dest := filepath.Join(t.TempDir(), "out.bin")
	id, err := e.Enqueue(srv.URL(), dest, 5, 1)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	gotCompleted := false
	for !gotCompleted {
		select {
		case snap := <-seen:
			if snap.TaskID == id && snap.State == string(queue.Completed) {
				gotCompleted = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for COMPLETED transition event")
		}
	}
}

func TestEnginePersistsAndRehydratesPausedTask(t *testing.T) {
	srv := testutil.NewRangeServer(8<<20, 203)
	defer srv.Close()

	statePath := filepath.Join(t.TempDir(), "queue.json")
	opts := config.Default()
	opts.PersistQueue = true
	opts.QueueStatePath = statePath
	opts.MultiConnectionThresholdBytes = 1 << 20
	opts.MaxConnections = 2
	// Throttle so the transfer is still in flight when Pause is called.
	opts.EnableBandwidthLimiting = true
	opts.PerTaskBandwidthLimitBps = 256 << 10

	e, err := New(opts, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	dest := filepath.Join(t.TempDir(), "out.bin")
	id, err := e.Enqueue(srv.URL(), dest, 5, 1)
	require.NoError(t, err)

	waitForState(t, e, id, queue.Downloading, 5*time.Second)
	require.NoError(t, e.Pause(id))
	waitForState(t, e, id, queue.Paused, 5*time.Second)

	e.persist.Flush()
	cancel()
	e.Stop()

	e2, err := New(opts, "")
	require.NoError(t, err)
	defer e2.Stop()

	task, ok := e2.scheduler.Get(id)
	require.True(t, ok)
	require.Equal(t, queue.Paused, task.State)
}
