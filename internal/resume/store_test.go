package resume

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	final := filepath.Join(t.TempDir(), "file.bin")
	s := New(final)
	require.NoError(t, s.Open())
	defer s.Close()

	rec := Record{
		URL:       "http://example.com/file.bin",
		TotalSize: 100,
		ETag:      `"abc"`,
		Segments: []SegmentRecord{
			{Index: 0, Start: 0, End: 49, BytesWritten: 49},
			{Index: 1, Start: 50, End: 99, BytesWritten: 0},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Save(rec))

	loaded, err := Load(final)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, rec.URL, loaded.URL)
	require.Len(t, loaded.Segments, 2)
}

func TestValidateRejectsGapsAndOverlaps(t *testing.T) {
	rec := Record{
		SchemaVersion: schemaVersion,
		TotalSize:     100,
		Segments: []SegmentRecord{
			{Index: 0, Start: 0, End: 49},
			{Index: 1, Start: 51, End: 99}, // gap at byte 50
		},
	}
	require.Error(t, rec.Validate())
}

func TestLoadDiscardsCorruptRecord(t *testing.T) {
	final := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, EnsureDir(final))
	require.NoError(t, os.WriteFile(path(final), []byte("{not json"), 0644))

	loaded, err := Load(final)
	require.NoError(t, err)
	require.Nil(t, loaded)

	_, statErr := os.Stat(path(final))
	require.True(t, os.IsNotExist(statErr))
}

func TestSecondOpenFailsWhileFirstHoldsLock(t *testing.T) {
	final := filepath.Join(t.TempDir(), "file.bin")
	s1 := New(final)
	require.NoError(t, s1.Open())
	defer s1.Close()

	s2 := New(final)
	require.Error(t, s2.Open())
}
