package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, 0)

	snap := QueueSnapshot{
		ExportedAt: time.Now(),
		Tasks: []TaskRecord{
			{TaskID: "t1", URL: "http://a.example/f", State: "PENDING", MaxAttempts: 3},
			{TaskID: "t2", URL: "http://b.example/g", State: "DOWNLOADING", MaxAttempts: 3},
		},
	}
	require.NoError(t, s.Save(snap))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[string]TaskRecord{}
	for _, r := range loaded {
		byID[r.TaskID] = r
	}
	require.Equal(t, "PENDING", byID["t1"].State)
	require.Equal(t, "PAUSED", byID["t2"].State, "DOWNLOADING rewrites to PAUSED on load")
}

func TestCrashRecoveryDropsTerminalTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, 0)

	require.NoError(t, s.Save(QueueSnapshot{Tasks: []TaskRecord{
		{TaskID: "done", State: "COMPLETED"},
		{TaskID: "failed", State: "FAILED"},
		{TaskID: "cancelled", State: "CANCELLED"},
		{TaskID: "alive", State: "PENDING"},
	}}))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "alive", loaded[0].TaskID)
}

func TestLoadMissingFileIsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadRejectsUnknownSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"tasks":[]}`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestCoalescedSavesWithinWindowWriteOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, 50*time.Millisecond)

	require.NoError(t, s.Save(QueueSnapshot{Tasks: []TaskRecord{{TaskID: "t1", State: "PENDING"}}}))
	require.NoError(t, s.Save(QueueSnapshot{Tasks: []TaskRecord{{TaskID: "t1", State: "PENDING"}, {TaskID: "t2", State: "PENDING"}}}))

	time.Sleep(100 * time.Millisecond)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2, "coalesced save should have flushed the latest snapshot")
}

func TestRoundTripIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, 0)
	require.NoError(t, s.Save(QueueSnapshot{Tasks: []TaskRecord{{TaskID: "t1", State: "PAUSED"}}}))

	first, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Save(QueueSnapshot{Tasks: first}))
	second, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, first, second)
}
