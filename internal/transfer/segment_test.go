package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlforge/dlforge/internal/errs"
	"github.com/dlforge/dlforge/internal/testutil"
)

func TestDownloadWritesExactRange(t *testing.T) {
	srv := testutil.NewRangeServer(1<<20, 10)
	defer srv.Close()

	tmp := filepath.Join(t.TempDir(), "seg.part.0")
	res := Download(context.Background(), Options{
		URL:      srv.URL(),
		Dest:     Range{Start: 1024, End: 2047},
		TempPath: tmp,
	})
	require.NoError(t, res.Err)
	require.EqualValues(t, 1024, res.BytesWritten)

	data, err := os.ReadFile(tmp)
	require.NoError(t, err)
	require.Len(t, data, 1024)
	require.Equal(t, srv.Content[1024:2048], data)
}

func TestDownloadResumesFromExistingTempBytes(t *testing.T) {
	srv := testutil.NewRangeServer(1<<20, 11)
	defer srv.Close()

	tmp := filepath.Join(t.TempDir(), "seg.part.0")
	require.NoError(t, os.WriteFile(tmp, srv.Content[0:500], 0644))

	res := Download(context.Background(), Options{
		URL:      srv.URL(),
		Dest:     Range{Start: 0, End: 999},
		TempPath: tmp,
	})
	require.NoError(t, res.Err)
	require.EqualValues(t, 1000, res.BytesWritten)

	data, err := os.ReadFile(tmp)
	require.NoError(t, err)
	require.Equal(t, srv.Content[0:1000], data)
}

func TestDownloadReportsProgress(t *testing.T) {
	srv := testutil.NewRangeServer(256<<10, 12)
	defer srv.Close()

	tmp := filepath.Join(t.TempDir(), "seg.part.0")
	var calls int
	res := Download(context.Background(), Options{
		URL:       srv.URL(),
		Dest:      Range{Start: 0, End: int64(len(srv.Content)) - 1},
		TempPath:  tmp,
		ChunkSize: 16 << 10,
		OnProgress: func(written int64) {
			calls++
		},
	})
	require.NoError(t, res.Err)
	require.Greater(t, calls, 1)
}

func TestDownloadCancellationStopsPromptly(t *testing.T) {
	srv := testutil.NewRangeServer(64<<20, 13)
	defer srv.Close()

	tmp := filepath.Join(t.TempDir(), "seg.part.0")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() {
		done <- Download(ctx, Options{
			URL:      srv.URL(),
			Dest:     Range{Start: 0, End: int64(len(srv.Content)) - 1},
			TempPath: tmp,
		})
	}()

	time.Sleep(5 * time.Millisecond)
	start := time.Now()
	cancel()

	res := <-done
	require.Less(t, time.Since(start), 150*time.Millisecond)
	require.Error(t, res.Err)
	kind, ok := errs.KindOf(res.Err)
	require.True(t, ok)
	require.Equal(t, errs.Cancelled, kind)
}

func TestDownloadClassifiesRateLimitedStatus(t *testing.T) {
	srv := testutil.NewRangeServer(4096, 14)
	srv.FailTimes = 1
	srv.FailStatus = 429
	defer srv.Close()

	tmp := filepath.Join(t.TempDir(), "seg.part.0")
	res := Download(context.Background(), Options{
		URL:      srv.URL(),
		Dest:     Range{Start: 0, End: int64(len(srv.Content)) - 1},
		TempPath: tmp,
	})
	require.Error(t, res.Err)
	kind, ok := errs.KindOf(res.Err)
	require.True(t, ok)
	require.Equal(t, errs.HTTP429, kind)
	require.True(t, kind.Retryable())
}
