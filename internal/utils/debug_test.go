package utils

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logDirPath = dir
	logFile = nil
	logOnce = sync.Once{}

	Gate("TASK %s | %s", "t1", "PENDING")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), "TASK t1 | PENDING")
}

func TestDebugNoopWhenDisabled(t *testing.T) {
	DebugMode = false
	// Must not panic and must not require a log file to exist.
	Debug("noise %d", 42)
}
