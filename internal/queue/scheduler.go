package queue

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dlforge/dlforge/internal/errs"
	"github.com/dlforge/dlforge/internal/hostutil"
	"github.com/dlforge/dlforge/internal/utils"
)

// JitterMode is the retry backoff jitter strategy of spec §6.4.
type JitterMode string

const (
	JitterNone         JitterMode = "none"
	JitterFull         JitterMode = "full"
	JitterProportional JitterMode = "proportional"
)

const maxPriority = 10

// Policy is the execution-policy configuration of spec §6.4: retry
// timing, priority aging, and concurrency caps.
type Policy struct {
	MaxActiveDownloads int

	PerHostEnabled   bool
	PerHostMaxActive int

	RetryEnabled       bool
	RetryMaxAttempts   int
	RetryBackoffBase   time.Duration
	RetryBackoffMax    time.Duration
	RetryJitterMode    JitterMode

	PriorityAgingEnabled  bool
	PriorityAgingStep     int
	PriorityAgingInterval time.Duration

	TickInterval time.Duration
}

// DefaultPolicy returns the defaults named in spec §6.4.
func DefaultPolicy() Policy {
	return Policy{
		MaxActiveDownloads:    2,
		PerHostEnabled:        true,
		PerHostMaxActive:      2,
		RetryEnabled:          false,
		RetryMaxAttempts:      3,
		RetryBackoffBase:      time.Second,
		RetryBackoffMax:       30 * time.Second,
		RetryJitterMode:       JitterProportional,
		PriorityAgingEnabled:  false,
		PriorityAgingStep:     1,
		PriorityAgingInterval: 30 * time.Second,
		TickInterval:          200 * time.Millisecond,
	}
}

// Dispatcher executes a task's actual transfer. Dispatch is called in
// its own goroutine by the scheduler and must eventually call exactly
// one of Scheduler.Complete, Scheduler.Fail, Scheduler.Paused, or
// Scheduler.Cancelled for the task, reporting progress via
// Scheduler.UpdateProgress along the way.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *Task)
}

// Hook is called after every accepted state transition, letting the
// engine mirror it to the event bus (C8) and persistence (C7).
type Hook func(t *Task)

// Scheduler is the priority queue + concurrency governor of spec §4.6.
type Scheduler struct {
	mu     sync.Mutex
	policy Policy

	tasks  map[string]*Task
	ready  taskHeap
	cancel map[string]context.CancelFunc
	// intent records, for an in-flight task whose context has been
	// cancelled, which terminal finalization the dispatcher should
	// report once it unwinds: Paused or Cancelled.
	intent map[string]State

	activeTotal  int
	activeByHost map[string]int

	dispatcher Dispatcher
	onChange   Hook
	// pending buffers task snapshots queued by notify during a locked
	// section; flushPending delivers them to onChange after the lock is
	// released, so hooks may safely call back into the scheduler (e.g.
	// List/Get) or do I/O without holding s.mu (spec §5).
	pending []*Task

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Scheduler governed by policy, dispatching runnable
// tasks to d and notifying hook of every transition.
func New(policy Policy, d Dispatcher, hook Hook) *Scheduler {
	return &Scheduler{
		policy:       policy,
		tasks:        make(map[string]*Task),
		intent:       make(map[string]State),
		cancel:       make(map[string]context.CancelFunc),
		activeByHost: make(map[string]int),
		dispatcher:   d,
		onChange:     hook,
	}
}

// Start runs the scheduling loop until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	interval := s.policy.TickInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stop halts the scheduling loop started by Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	ch := s.stopCh
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Enqueue admits a new task into the queue as PENDING.
func (s *Scheduler) Enqueue(t *Task) error {
	s.mu.Lock()

	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("queue: task %s already enqueued", t.ID)
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = s.policy.RetryMaxAttempts
	}
	if t.Priority <= 0 {
		t.Priority = 5
	}
	now := time.Now()
	t.CreatedAt = now
	t.CreatedMono = now
	t.UpdatedAt = now
	t.Host = hostutil.Normalize(t.URL)
	t.State = Pending
	t.EffectivePriority = t.Priority

	s.tasks[t.ID] = t
	heap.Push(&s.ready, t)
	s.notify(t)
	s.mu.Unlock()
	s.flushPending()
	return nil
}

// notify queues a snapshot of t for delivery to onChange. It must only
// be called while s.mu is held; it never invokes onChange itself, since
// onChange may call back into the scheduler (List, Get, ...) or do I/O,
// either of which would deadlock or violate spec §5 if run under the
// lock. flushPending delivers what notify queues, once the caller has
// released s.mu.
func (s *Scheduler) notify(t *Task) {
	t.UpdatedAt = time.Now()
	cp := *t
	s.pending = append(s.pending, &cp)
}

// flushPending delivers every snapshot queued by notify since the last
// flush to onChange, called with s.mu released.
func (s *Scheduler) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.onChange == nil {
		return
	}
	for _, t := range pending {
		s.onChange(t)
	}
}

func (s *Scheduler) transition(t *Task, to State) error {
	if !canTransition(t.State, to) {
		return fmt.Errorf("queue: task %s illegal transition %s -> %s", t.ID, t.State, to)
	}
	utils.Gate("TASK %s | %s -> %s", t.ID, t.State, to)
	t.State = to
	s.notify(t)
	return nil
}

// Tick ages priorities, promotes ready retry-wait tasks, and dispatches
// as many runnable tasks as the concurrency governor allows. It is
// called automatically by Start's loop, and may also be called
// directly (e.g. from tests) to force a scheduling pass.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	now := time.Now()
	s.agePriorities(now)
	s.promoteRetryWait(now)
	s.dispatchReady()
	s.mu.Unlock()
	s.flushPending()
}

func (s *Scheduler) agePriorities(now time.Time) {
	if !s.policy.PriorityAgingEnabled || s.policy.PriorityAgingInterval <= 0 {
		return
	}
	changed := false
	for _, t := range s.ready {
		elapsed := now.Sub(t.CreatedMono)
		intervals := int(elapsed / s.policy.PriorityAgingInterval)
		bonus := intervals * s.policy.PriorityAgingStep
		eff := t.Priority + bonus
		if eff > maxPriority {
			eff = maxPriority
		}
		if eff != t.EffectivePriority {
			t.EffectivePriority = eff
			changed = true
		}
	}
	if changed {
		heap.Init(&s.ready)
	}
}

func (s *Scheduler) promoteRetryWait(now time.Time) {
	for _, t := range s.tasks {
		if t.State == RetryWait && !t.NextEligibleAt.After(now) {
			t.State = Pending
			heap.Push(&s.ready, t)
			s.notify(t)
		}
	}
}

func (s *Scheduler) dispatchReady() {
	var skipped []*Task
	for s.activeTotal < s.policy.MaxActiveDownloads && s.ready.Len() > 0 {
		t := heap.Pop(&s.ready).(*Task)
		if s.policy.PerHostEnabled && s.activeByHost[t.Host] >= s.policy.PerHostMaxActive {
			skipped = append(skipped, t)
			continue
		}
		s.dispatch(t)
	}
	for _, t := range skipped {
		heap.Push(&s.ready, t)
	}
}

func (s *Scheduler) dispatch(t *Task) {
	t.Attempt++
	if err := s.transition(t, Starting); err != nil {
		return
	}
	s.activeTotal++
	s.activeByHost[t.Host]++

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel[t.ID] = cancel

	if s.dispatcher != nil {
		go s.dispatcher.Dispatch(ctx, t)
	}
}

func (s *Scheduler) releaseSlot(t *Task) {
	if s.activeTotal > 0 {
		s.activeTotal--
	}
	if s.activeByHost[t.Host] > 0 {
		s.activeByHost[t.Host]--
	}
	delete(s.cancel, t.ID)
	delete(s.intent, t.ID)
}

// PendingIntent reports which terminal finalization is expected for an
// in-flight task whose context has been signalled to stop, so the
// dispatcher knows whether to call Paused or Cancelled once the
// transfer unwinds. Returns false if no stop was requested.
func (s *Scheduler) PendingIntent(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.intent[id]
	return st, ok
}

// MarkDownloading reports that a STARTING task has begun receiving
// bytes.
func (s *Scheduler) MarkDownloading(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	err := s.transition(t, Downloading)
	s.mu.Unlock()
	s.flushPending()
	return err
}

// UpdateProgress records the latest byte counters for a task that is
// actively downloading. It does not change state.
func (s *Scheduler) UpdateProgress(id string, downloaded, total int64, throughputBps float64) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	t.BytesDownloaded = downloaded
	if total > 0 {
		t.BytesTotal = total
	}
	t.ThroughputBps = throughputBps
	s.notify(t)
	s.mu.Unlock()
	s.flushPending()
	return nil
}

// Complete reports a successful terminal outcome.
func (s *Scheduler) Complete(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	err := s.transition(t, Completed)
	if err == nil {
		s.releaseSlot(t)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

// Fail reports a failed attempt, classified by kind. retryAfter, if
// non-nil, is honored when larger than the computed backoff (spec
// §8 boundary: server Retry-After overrides computed backoff).
func (s *Scheduler) Fail(id string, kind errs.Kind, message string, retryAfter *time.Duration) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	t.LastError = message
	t.LastErrorKind = kind

	var err error
	if s.policy.RetryEnabled && kind.Retryable() && t.Attempt < t.MaxAttempts {
		backoff := s.computeBackoff(t.Attempt)
		if retryAfter != nil && *retryAfter > backoff {
			backoff = *retryAfter
		}
		t.NextEligibleAt = time.Now().Add(backoff)
		err = s.transition(t, RetryWait)
	} else {
		err = s.transition(t, Failed)
	}
	if err == nil {
		s.releaseSlot(t)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

func (s *Scheduler) computeBackoff(attempt int) time.Duration {
	base := s.policy.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := s.policy.RetryBackoffMax
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max || d <= 0 {
		d = max
	}
	switch s.policy.RetryJitterMode {
	case JitterFull:
		return time.Duration(rand.Int63n(int64(d) + 1))
	case JitterProportional, "":
		mult := 0.5 + rand.Float64()
		return time.Duration(float64(d) * mult)
	default:
		return d
	}
}

// Paused finalizes a pause requested while a task was in flight.
func (s *Scheduler) Paused(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	err := s.transition(t, Paused)
	if err == nil {
		s.releaseSlot(t)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

// Cancelled finalizes a cancellation requested while a task was in
// flight.
func (s *Scheduler) Cancelled(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	err := s.transition(t, Cancelled)
	if err == nil {
		s.releaseSlot(t)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

// Pause requests that a task stop. PENDING and RETRY_WAIT tasks pause
// immediately; in-flight tasks are signalled via their cancellation
// context and finalize through Paused once the dispatcher stops.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}

	var err error
	switch t.State {
	case Pending:
		s.removeFromReady(t)
		err = s.transition(t, Paused)
	case RetryWait:
		err = s.transition(t, Paused)
	case Starting, Downloading:
		s.intent[id] = Paused
		if cancel, ok := s.cancel[id]; ok {
			cancel()
		}
	default:
		err = fmt.Errorf("queue: cannot pause task %s in state %s", id, t.State)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

// Resume moves a PAUSED task back to PENDING.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}
	err := s.transition(t, Pending)
	if err == nil {
		heap.Push(&s.ready, t)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

// Cancel requests that a task stop permanently. PENDING, RETRY_WAIT,
// and PAUSED tasks cancel immediately; in-flight tasks are signalled
// and finalize through Cancelled.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("queue: unknown task %s", id)
	}

	var err error
	switch t.State {
	case Pending:
		s.removeFromReady(t)
		err = s.transition(t, Cancelled)
	case RetryWait, Paused:
		err = s.transition(t, Cancelled)
	case Starting, Downloading:
		s.intent[id] = Cancelled
		if cancel, ok := s.cancel[id]; ok {
			cancel()
		}
	default:
		err = fmt.Errorf("queue: cannot cancel task %s in state %s", id, t.State)
	}
	s.mu.Unlock()
	s.flushPending()
	return err
}

func (s *Scheduler) removeFromReady(t *Task) {
	if t.heapIndex < 0 || t.heapIndex >= s.ready.Len() {
		return
	}
	heap.Remove(&s.ready, t.heapIndex)
}

// Get returns a copy of the task's current state, or false if unknown.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns a snapshot of every task currently owned by the queue.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.ToSnapshot())
	}
	return out
}

// ActiveCounts returns the current global and per-host active counts,
// for tests asserting the concurrency governor invariants (spec P1).
func (s *Scheduler) ActiveCounts() (total int, byHost map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHost = make(map[string]int, len(s.activeByHost))
	for h, n := range s.activeByHost {
		byHost[h] = n
	}
	return s.activeTotal, byHost
}
