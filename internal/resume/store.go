// Package resume implements the Resume State Store (spec §4.5, C5):
// atomic save/load/delete of a per-destination ResumeRecord, alongside
// the destination path as "<final>.resume".
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/dlforge/dlforge/internal/utils"
)

const schemaVersion = 1

// SegmentRecord is one row of the segment table: the planned range and
// how much of it has been written so far.
type SegmentRecord struct {
	Index        int   `json:"index"`
	Start        int64 `json:"start"`
	End          int64 `json:"end"`
	BytesWritten int64 `json:"bytes_written"`
}

// Record is the persisted resume state for one download. The segment
// table must partition [0, TotalSize) exactly: no gaps, no overlaps.
type Record struct {
	SchemaVersion int             `json:"schema_version"`
	URL           string          `json:"url"`
	TotalSize     int64           `json:"total_size"`
	ETag          string          `json:"etag"`
	LastModified  string          `json:"last_modified"`
	Segments      []SegmentRecord `json:"segments"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the partition invariant of spec §3.
func (r Record) Validate() error {
	if r.SchemaVersion != schemaVersion {
		return fmt.Errorf("unsupported resume schema version %d", r.SchemaVersion)
	}
	var sum int64
	for i, s := range r.Segments {
		if s.Start > s.End {
			return fmt.Errorf("segment %d has inverted range [%d,%d]", i, s.Start, s.End)
		}
		if i == 0 && s.Start != 0 {
			return fmt.Errorf("segment 0 starts at %d, want 0", s.Start)
		}
		if i > 0 && s.Start != r.Segments[i-1].End+1 {
			return fmt.Errorf("segment %d does not abut segment %d", i, i-1)
		}
		sum += s.End - s.Start + 1
	}
	if r.TotalSize > 0 && sum != r.TotalSize {
		return fmt.Errorf("segment table covers %d bytes, want %d", sum, r.TotalSize)
	}
	return nil
}

func path(finalPath string) string { return finalPath + ".resume" }
func lockPath(finalPath string) string { return finalPath + ".resume.lock" }

// Store owns the single-writer discipline for one destination's resume
// record, per spec §4.5 ("concurrent writers are a contract
// violation").
type Store struct {
	finalPath string
	lock      *flock.Flock
}

// New returns a Store bound to finalPath. Open must be called before
// Save/Delete.
func New(finalPath string) *Store {
	return &Store{finalPath: finalPath, lock: flock.New(lockPath(finalPath))}
}

// Open acquires the exclusive file lock guarding this destination's
// resume record.
func (s *Store) Open() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("resume: acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("resume: record for %s is owned by another coordinator", s.finalPath)
	}
	return nil
}

// Close releases the lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Save atomically writes rec as the resume record for the store's
// destination: write to a sibling temp file, fsync, rename.
func (s *Store) Save(rec Record) error {
	rec.SchemaVersion = schemaVersion
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("resume: refusing to save invalid record: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("resume: marshal: %w", err)
	}

	final := path(s.finalPath)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("resume: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("resume: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("resume: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("resume: close temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("resume: rename: %w", err)
	}
	return nil
}

// Load reads the resume record for finalPath. A corrupt or
// schema-mismatched record is discarded (deleted) and (nil, nil) is
// returned, matching "corrupt records are discarded and logged".
func Load(finalPath string) (*Record, error) {
	data, err := os.ReadFile(path(finalPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("resume: read: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		utils.Debug("resume: discarding corrupt record for %s: %v", finalPath, err)
		_ = os.Remove(path(finalPath))
		return nil, nil
	}
	if err := rec.Validate(); err != nil {
		utils.Debug("resume: discarding invalid record for %s: %v", finalPath, err)
		_ = os.Remove(path(finalPath))
		return nil, nil
	}
	if rec.TotalSize < 0 {
		utils.Debug("resume: discarding record with negative size for %s", finalPath)
		_ = os.Remove(path(finalPath))
		return nil, nil
	}
	return &rec, nil
}

// Delete removes the resume record and its lock file, if present.
func Delete(finalPath string) error {
	if err := os.Remove(path(finalPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(lockPath(finalPath))
	return nil
}

// SegmentTempPath returns the temp artifact path for segment idx of
// finalPath, per spec §6.1.
func SegmentTempPath(finalPath string, idx int) string {
	return fmt.Sprintf("%s.part.%d", finalPath, idx)
}

// SingleTempPath returns the temp artifact path for a single-stream
// download.
func SingleTempPath(finalPath string) string {
	return finalPath + ".part"
}

// MergedTempPath returns the path of the merged-but-not-yet-renamed
// file produced by the multi-connection coordinator.
func MergedTempPath(finalPath string) string {
	return finalPath + ".part"
}

// EnsureDir makes sure the destination directory exists.
func EnsureDir(finalPath string) error {
	return os.MkdirAll(filepath.Dir(finalPath), 0755)
}
