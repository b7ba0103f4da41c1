package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/errs"
)

// manualDispatcher lets tests control exactly when a dispatched task
// finishes and how.
type manualDispatcher struct {
	mu      sync.Mutex
	started map[string]context.Context
	sched   *Scheduler
}

func newManualDispatcher() *manualDispatcher {
	return &manualDispatcher{started: make(map[string]context.Context)}
}

func (d *manualDispatcher) Dispatch(ctx context.Context, t *Task) {
	d.mu.Lock()
	d.started[t.ID] = ctx
	d.mu.Unlock()
}

func (d *manualDispatcher) ctxFor(id string) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started[id]
}

func newTestScheduler(policy Policy) (*Scheduler, *manualDispatcher, []*Task) {
	d := newManualDispatcher()
	var events []*Task
	var mu sync.Mutex
	s := New(policy, d, func(t *Task) {
		mu.Lock()
		events = append(events, t)
		mu.Unlock()
	})
	return s, d, events
}

func TestEnqueueAndDispatchRespectsMaxActive(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxActiveDownloads = 2
	policy.PerHostEnabled = false
	s, _, _ := newTestScheduler(policy)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(&Task{ID: taskID(i), URL: "http://a.example/f"}))
	}
	s.Tick()

	total, _ := s.ActiveCounts()
	require.Equal(t, 2, total)
}

func TestPerHostCapLimitsConcurrentDownloadsPerHost(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxActiveDownloads = 8
	policy.PerHostEnabled = true
	policy.PerHostMaxActive = 1
	s, _, _ := newTestScheduler(policy)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Enqueue(&Task{ID: taskID(i), URL: "http://a.example/f"}))
	}
	for i := 4; i < 8; i++ {
		require.NoError(t, s.Enqueue(&Task{ID: taskID(i), URL: "http://b.example/f"}))
	}
	s.Tick()

	total, byHost := s.ActiveCounts()
	require.Equal(t, 2, total)
	require.Equal(t, 1, byHost["a.example"])
	require.Equal(t, 1, byHost["b.example"])
}

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxActiveDownloads = 1
	policy.PerHostEnabled = false
	s, _, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "low", URL: "http://a.example/f", Priority: 1}))
	require.NoError(t, s.Enqueue(&Task{ID: "high", URL: "http://a.example/f", Priority: 9}))
	s.Tick()

	high, ok := s.Get("high")
	require.True(t, ok)
	require.Equal(t, Downloading, high.State)

	low, ok := s.Get("low")
	require.True(t, ok)
	require.Equal(t, Pending, low.State)
}

func TestFullLifecycleCompletion(t *testing.T) {
	policy := DefaultPolicy()
	s, _, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f"}))
	s.Tick()

	require.NoError(t, s.MarkDownloading("t1"))
	require.NoError(t, s.UpdateProgress("t1", 500, 1000, 1024))
	require.NoError(t, s.Complete("t1"))

	got, ok := s.Get("t1")
	require.True(t, ok)
	require.Equal(t, Completed, got.State)

	total, _ := s.ActiveCounts()
	require.Equal(t, 0, total)
}

func TestRetryableFailureSchedulesRetryWaitThenFails(t *testing.T) {
	policy := DefaultPolicy()
	policy.RetryEnabled = true
	policy.RetryMaxAttempts = 2
	policy.RetryBackoffBase = time.Millisecond
	policy.RetryJitterMode = JitterNone
	s, _, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f"}))
	s.Tick()
	require.NoError(t, s.MarkDownloading("t1"))
	require.NoError(t, s.Fail("t1", errs.Network, "reset", nil))

	got, ok := s.Get("t1")
	require.True(t, ok)
	require.Equal(t, RetryWait, got.State)
	require.Equal(t, 1, got.Attempt)

	time.Sleep(5 * time.Millisecond)
	s.Tick()
	got, _ = s.Get("t1")
	require.Equal(t, Starting, got.State)

	require.NoError(t, s.Fail("t1", errs.Network, "reset again", nil))
	got, _ = s.Get("t1")
	require.Equal(t, Failed, got.State)
	require.Equal(t, 2, got.Attempt)
}

func TestNonRetryableFailureGoesStraightToFailed(t *testing.T) {
	policy := DefaultPolicy()
	policy.RetryEnabled = true
	s, _, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f"}))
	s.Tick()
	require.NoError(t, s.MarkDownloading("t1"))
	require.NoError(t, s.Fail("t1", errs.ChecksumMismatch, "hash mismatch", nil))

	got, ok := s.Get("t1")
	require.True(t, ok)
	require.Equal(t, Failed, got.State)
}

func TestPausePendingTaskIsImmediate(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxActiveDownloads = 0
	s, _, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f"}))
	require.NoError(t, s.Pause("t1"))

	got, ok := s.Get("t1")
	require.True(t, ok)
	require.Equal(t, Paused, got.State)

	require.NoError(t, s.Resume("t1"))
	got, _ = s.Get("t1")
	require.Equal(t, Pending, got.State)
}

func TestPauseInFlightTaskCancelsContextAndWaitsForFinalization(t *testing.T) {
	policy := DefaultPolicy()
	s, d, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f"}))
	s.Tick()
	require.NoError(t, s.MarkDownloading("t1"))

	require.NoError(t, s.Pause("t1"))
	got, _ := s.Get("t1")
	require.Equal(t, Downloading, got.State, "state stays until dispatcher finalizes")

	ctx := d.ctxFor("t1")
	require.NotNil(t, ctx)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancellation signal")
	}

	require.NoError(t, s.Paused("t1"))
	got, _ = s.Get("t1")
	require.Equal(t, Paused, got.State)
}

func TestPriorityAgingRaisesEffectivePriority(t *testing.T) {
	policy := DefaultPolicy()
	policy.PriorityAgingEnabled = true
	policy.PriorityAgingStep = 2
	policy.PriorityAgingInterval = time.Millisecond
	policy.MaxActiveDownloads = 0
	s, _, _ := newTestScheduler(policy)

	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f", Priority: 3}))
	time.Sleep(5 * time.Millisecond)
	s.Tick()

	got, ok := s.Get("t1")
	require.True(t, ok)
	require.Greater(t, got.EffectivePriority, 3)
}

func TestIllegalTransitionRejected(t *testing.T) {
	policy := DefaultPolicy()
	s, _, _ := newTestScheduler(policy)
	require.NoError(t, s.Enqueue(&Task{ID: "t1", URL: "http://a.example/f"}))

	require.Error(t, s.Complete("t1"))
}

func taskID(i int) string {
	return "task-" + string(rune('a'+i))
}
