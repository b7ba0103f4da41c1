// Package queue implements the Queue + Scheduler (spec §4.6, C6): a
// priority-ordered task queue with pause/resume/cancel, retry timing,
// priority aging, and per-host concurrency caps.
package queue

import (
	"fmt"
	"time"

	"github.com/dlforge/dlforge/internal/errs"
)

// State is a task's position in the state machine of spec §4.6.
type State string

const (
	Pending     State = "PENDING"
	Starting    State = "STARTING"
	Downloading State = "DOWNLOADING"
	Paused      State = "PAUSED"
	RetryWait   State = "RETRY_WAIT"
	Completed   State = "COMPLETED"
	Failed      State = "FAILED"
	Cancelled   State = "CANCELLED"
)

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// transitions enumerates every permitted (from, to) edge of spec §4.6's
// state table. A transition not listed here is a contract violation.
var transitions = map[State]map[State]bool{
	Pending:     {Starting: true, Paused: true, Cancelled: true},
	Starting:    {Downloading: true, Paused: true, Cancelled: true, Failed: true, RetryWait: true},
	Downloading: {Completed: true, Failed: true, RetryWait: true, Paused: true, Cancelled: true},
	RetryWait:   {Pending: true, Paused: true, Cancelled: true},
	Paused:      {Pending: true, Cancelled: true},
}

func canTransition(from, to State) bool {
	if from == to {
		return false
	}
	edges, ok := transitions[from]
	return ok && edges[to]
}

// Task is the unit the queue owns, per spec §3. The queue exclusively
// owns a Task's fields; the executor receives a *Task handle through
// the Dispatcher and may only call the reporting methods on Scheduler.
type Task struct {
	ID       string
	URL      string
	Dest     string
	Priority int // 1-10, higher is sooner

	CreatedAt time.Time
	CreatedMono time.Time // monotonic reference for aging math

	State State

	BytesDownloaded int64
	BytesTotal      int64
	ThroughputBps   float64

	Attempt        int
	MaxAttempts    int
	NextEligibleAt time.Time

	Host              string
	EffectivePriority int
	LastError         string
	LastErrorKind     errs.Kind

	Options map[string]any

	UpdatedAt time.Time

	// heapIndex is maintained by container/heap; do not set directly.
	heapIndex int
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{%s state=%s pri=%d/%d host=%s}", t.ID, t.State, t.Priority, t.EffectivePriority, t.Host)
}

// Snapshot returns an immutable copy of the fields the event bus and
// persistence layer are allowed to see. See spec §3 TaskSnapshot.
type Snapshot struct {
	TaskID            string    `json:"task_id"`
	State             string    `json:"state"`
	Priority          int       `json:"priority"`
	EffectivePriority int       `json:"effective_priority"`
	Host              string    `json:"host"`
	BytesDownloaded   int64     `json:"bytes_downloaded"`
	BytesTotal        int64     `json:"bytes_total"`
	ThroughputBps     float64   `json:"throughput_bps"`
	Attempt           int       `json:"attempt"`
	MaxAttempts       int       `json:"max_attempts"`
	NextEligibleAt    time.Time `json:"next_eligible_at"`
	LastError         string    `json:"last_error"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToSnapshot builds the published view of t.
func (t *Task) ToSnapshot() Snapshot {
	return Snapshot{
		TaskID:            t.ID,
		State:             string(t.State),
		Priority:          t.Priority,
		EffectivePriority: t.EffectivePriority,
		Host:              t.Host,
		BytesDownloaded:   t.BytesDownloaded,
		BytesTotal:        t.BytesTotal,
		ThroughputBps:     t.ThroughputBps,
		Attempt:           t.Attempt,
		MaxAttempts:       t.MaxAttempts,
		NextEligibleAt:    t.NextEligibleAt,
		LastError:         t.LastError,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}
