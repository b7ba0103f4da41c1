// Package events implements the thread-safe Event Bus + Snapshot
// contract (spec §4.8, C8): a topic bus with TASK_ADDED, TASK_UPDATED,
// and QUEUE_STATUS, throttled progress events, and a stable snapshot
// schema validated at the publish boundary.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/dlforge/dlforge/internal/utils"
)

// Topic names the three channels defined by spec §4.8.
type Topic string

const (
	TaskAdded   Topic = "TASK_ADDED"
	TaskUpdated Topic = "TASK_UPDATED"
	QueueStatus Topic = "QUEUE_STATUS"
)

// Snapshot is the required-keys schema of spec §3's TaskSnapshot. Every
// field is mandatory; string fields must be ASCII-safe once
// serialized.
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

// ValidateSnapshot enforces the required-keys contract: task_id and
// state are non-empty, and every string field is ASCII-only so
// consumers never have to deal with encoding surprises.
func ValidateSnapshot(s Snapshot) error {
	if s.TaskID == "" {
		return fmt.Errorf("events: snapshot missing task_id")
	}
	if s.State == "" {
		return fmt.Errorf("events: snapshot %s missing state", s.TaskID)
	}
	for _, field := range []string{s.TaskID, s.State, s.Host, s.LastError} {
		if !isASCII(field) {
			return fmt.Errorf("events: snapshot %s contains non-ASCII field", s.TaskID)
		}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// Event is the envelope delivered to subscribers. Snapshot is set for
// TASK_ADDED/TASK_UPDATED; Status is set for QUEUE_STATUS.
type Event struct {
	Topic     Topic
	Snapshot  Snapshot
	Status    QueueStats
	Timestamp time.Time
}

// Handler receives published events. A handler that panics or is slow
// must not affect other subscribers or the emitter: Bus recovers
// handler panics and calls handlers synchronously but independently.
type Handler func(Event)

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Bus is a thread-safe topic publisher. Subscription and
// unsubscription are safe to call during emission.
type Bus struct {
	mu        sync.RWMutex
	subs      []subscription
	nextID    uint64
	throttle  time.Duration
	lastEmit  map[string]time.Time
	lastEmitMu sync.Mutex
}

// New returns a Bus that throttles per-task progress TASK_UPDATED
// events to at most one per throttleWindow (spec default 250ms).
// State-transition updates are never throttled; pass them via
// PublishTransition.
func New(throttleWindow time.Duration) *Bus {
	return &Bus{throttle: throttleWindow, lastEmit: make(map[string]time.Time)}
}

// Subscription is an opaque handle returned by Subscribe, used to
// Unsubscribe later.
type Subscription uint64

// Subscribe registers handler for topic and returns a handle for later
// unsubscription.
func (b *Bus) Subscribe(topic Topic, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})
	return Subscription(id)
}

// Unsubscribe removes a previously registered handler. Safe to call
// from within a handler during emission.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == uint64(sub) {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) snapshotSubs(topic Topic) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == topic {
			out = append(out, s.handler)
		}
	}
	return out
}

func (b *Bus) emit(ev Event) {
	for _, h := range b.snapshotSubs(ev.Topic) {
		b.callSafely(h, ev)
	}
}

func (b *Bus) callSafely(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			utils.Debug("events: subscriber panic on %s: %v", ev.Topic, r)
		}
	}()
	h(ev)
}

// PublishAdded emits TASK_ADDED for a newly enqueued task.
func (b *Bus) PublishAdded(snap Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}
	b.emit(Event{Topic: TaskAdded, Snapshot: snap, Timestamp: time.Now()})
	return nil
}

// PublishTransition emits TASK_UPDATED for a state transition. Never
// throttled.
func (b *Bus) PublishTransition(snap Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}
	b.emit(Event{Topic: TaskUpdated, Snapshot: snap, Timestamp: time.Now()})
	return nil
}

// PublishProgress emits TASK_UPDATED for a progress tick, subject to
// per-task throttling.
func (b *Bus) PublishProgress(snap Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return err
	}
	if b.throttle > 0 {
		b.lastEmitMu.Lock()
		last, ok := b.lastEmit[snap.TaskID]
		now := time.Now()
		if ok && now.Sub(last) < b.throttle {
			b.lastEmitMu.Unlock()
			return nil
		}
		b.lastEmit[snap.TaskID] = now
		b.lastEmitMu.Unlock()
	}
	b.emit(Event{Topic: TaskUpdated, Snapshot: snap, Timestamp: time.Now()})
	return nil
}

// QueueStats is the aggregate QUEUE_STATUS payload.
type QueueStats struct {
	ActiveTotal int            `json:"active_total"`
	ActiveByHost map[string]int `json:"active_by_host"`
	PendingCount int           `json:"pending_count"`
}

// PublishQueueStatus emits a QUEUE_STATUS snapshot of the scheduler's
// aggregate state.
func (b *Bus) PublishQueueStatus(status QueueStats) {
	ev := Event{Topic: QueueStatus, Status: status, Timestamp: time.Now()}
	for _, h := range b.snapshotSubs(QueueStatus) {
		b.callSafely(h, ev)
	}
}
