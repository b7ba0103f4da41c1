package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilOptionsBehaveLikeDefault(t *testing.T) {
	var o *Options
	require.Equal(t, Default().MaxConnections, o.GetMaxConnections())
	require.Equal(t, Default().MinSegmentSizeBytes, o.GetMinSegmentSizeBytes())
	require.Equal(t, Default().PerHostMaxActive, o.GetPerHostMaxActive())
}

func TestZeroValueFieldsFallBackToDefault(t *testing.T) {
	o := &Options{}
	require.Equal(t, Default().MaxConnections, o.GetMaxConnections())
	require.Equal(t, Default().ChunkSizeBytes, o.GetChunkSizeBytes())
}

func TestValidateRejectsOutOfRangeMaxConnections(t *testing.T) {
	o := Default()
	o.MaxConnections = 99
	require.Error(t, o.Validate())
}

func TestValidateRejectsUnknownJitterMode(t *testing.T) {
	o := Default()
	o.RetryJitterMode = "bogus"
	require.Error(t, o.Validate())
}

func TestValidateRequiresQueueStatePathWhenPersistenceEnabled(t *testing.T) {
	o := Default()
	o.PersistQueue = true
	o.QueueStatePath = ""
	require.Error(t, o.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	o := Default()
	o.MaxConnections = 8
	require.NoError(t, Save(path, o))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, loaded.MaxConnections)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, Default(), loaded)
}

func TestToQueuePolicyMapsFields(t *testing.T) {
	o := Default()
	o.RetryEnabled = true
	o.RetryMaxAttempts = 5
	o.PriorityAgingEnabled = true

	p := o.ToQueuePolicy()
	require.True(t, p.RetryEnabled)
	require.Equal(t, 5, p.RetryMaxAttempts)
	require.True(t, p.PriorityAgingEnabled)
}
