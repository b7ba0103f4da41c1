// Package persistence implements Queue Persistence (spec §4.7, C7):
// atomic save/load of the whole queue's task set, with schema
// versioning and crash-recovery rewriting rules applied on load.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/dlforge/dlforge/internal/queue"
	"github.com/dlforge/dlforge/internal/utils"
)

const schemaVersion = 1

// TaskRecord is the persisted shape of one task: every non-history
// field named in spec §3, minus anything terminal-only.
type TaskRecord struct {
	TaskID            string    `json:"task_id"`
	URL               string    `json:"url"`
	Dest              string    `json:"dest"`
	Priority          int       `json:"priority"`
	EffectivePriority int       `json:"effective_priority"`
	Host              string    `json:"host"`
	State             string    `json:"state"`
	BytesDownloaded   int64     `json:"bytes_downloaded"`
	BytesTotal        int64     `json:"bytes_total"`
	Attempt           int       `json:"attempt"`
	MaxAttempts       int       `json:"max_attempts"`
	NextEligibleAt    time.Time `json:"next_eligible_at"`
	LastError         string    `json:"last_error"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// QueueSnapshot is the schema-v1 persisted document.
type QueueSnapshot struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Tasks      []TaskRecord `json:"tasks"`
}

// FromTask builds the persisted record for a queue task. Terminal-state
// tasks must not be passed in: callers filter them out per the
// "terminal-state tasks are never written back as runnable" invariant.
func FromTask(t *queue.Task) TaskRecord {
	return TaskRecord{
		TaskID:            t.ID,
		URL:               t.URL,
		Dest:              t.Dest,
		Priority:          t.Priority,
		EffectivePriority: t.EffectivePriority,
		Host:              t.Host,
		State:             string(t.State),
		BytesDownloaded:   t.BytesDownloaded,
		BytesTotal:        t.BytesTotal,
		Attempt:           t.Attempt,
		MaxAttempts:       t.MaxAttempts,
		NextEligibleAt:    t.NextEligibleAt,
		LastError:         t.LastError,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// Rewrite applies the crash-recovery rules of spec §4.7 to a loaded
// record, returning the record to re-admit and whether it should be
// re-admitted at all (false for a dropped terminal record).
func Rewrite(r TaskRecord) (TaskRecord, bool) {
	switch queue.State(r.State) {
	case queue.Starting, queue.Downloading:
		r.State = string(queue.Paused)
		return r, true
	case queue.Pending, queue.Paused, queue.RetryWait:
		return r, true
	case queue.Completed, queue.Failed, queue.Cancelled:
		return r, false
	default:
		return r, false
	}
}

// Store owns atomic persistence of the queue snapshot at path, with
// single-writer serialization via an advisory file lock and write
// coalescing within a configurable window.
type Store struct {
	path       string
	lock       *flock.Flock
	coalesce   time.Duration
	mu         sync.Mutex
	pending    *QueueSnapshot
	timer      *time.Timer
	lastSaveAt time.Time
}

// New returns a Store bound to path, coalescing writes within window
// (spec's default is 250ms; window <= 0 disables coalescing).
func New(path string, window time.Duration) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock"), coalesce: window}
}

// Save schedules snap to be written. If a coalescing window is
// configured and a write already happened within it, the save is
// deferred and merged with the most recent pending snapshot.
func (s *Store) Save(snap QueueSnapshot) error {
	snap.Version = schemaVersion

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coalesce <= 0 || time.Since(s.lastSaveAt) >= s.coalesce {
		s.lastSaveAt = time.Now()
		s.pending = nil
		return s.writeLocked(snap)
	}

	s.pending = &snap
	if s.timer == nil {
		remaining := s.coalesce - time.Since(s.lastSaveAt)
		s.timer = time.AfterFunc(remaining, s.flush)
	}
	return nil
}

func (s *Store) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if pending == nil {
		return
	}
	s.mu.Lock()
	s.lastSaveAt = time.Now()
	err := s.writeLocked(*pending)
	s.mu.Unlock()
	if err != nil {
		utils.Debug("persistence: coalesced save failed: %v", err)
	}
}

// writeLocked must be called with s.mu held. It writes the document
// atomically: sibling temp file, fsync, rename.
func (s *Store) writeLocked(snap QueueSnapshot) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("persistence: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("persistence: queue state at %s is owned by another writer", s.path)
	}
	defer s.lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("persistence: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("persistence: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("persistence: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("persistence: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persistence: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("persistence: rename: %w", err)
	}
	return nil
}

// Flush forces any pending coalesced save to disk immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		s.mu.Lock()
		s.lastSaveAt = time.Now()
		if err := s.writeLocked(*pending); err != nil {
			utils.Debug("persistence: flush failed: %v", err)
		}
		s.mu.Unlock()
	}
}

// Load reads the snapshot at path and applies crash-recovery rewrites,
// returning only the records that remain in the active set. A missing
// file yields an empty, non-error result. Schema mismatch fails loud.
func Load(path string) ([]TaskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: read: %w", err)
	}

	var snap QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("persistence: corrupt queue state: %w", err)
	}
	if snap.Version != schemaVersion {
		return nil, fmt.Errorf("persistence: unsupported schema version %d", snap.Version)
	}

	active := make([]TaskRecord, 0, len(snap.Tasks))
	for _, r := range snap.Tasks {
		rewritten, keep := Rewrite(r)
		if !keep {
			continue
		}
		if rewritten.State != r.State {
			utils.Debug("persistence: crash-recovery rewrite task=%s %s -> %s", r.TaskID, r.State, rewritten.State)
		}
		active = append(active, rewritten)
	}
	return active, nil
}
