// Package transfer implements the Segment Downloader (spec §4.3, C3):
// streaming one byte range into a per-segment temp artifact, observing
// cancellation between chunks and reporting progress at throttled
// intervals. It never retries internally; that is a scheduler concern.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/dlforge/dlforge/internal/bucket"
	"github.com/dlforge/dlforge/internal/errs"
)

const DefaultChunkSize = 64 << 10

// Range is an inclusive byte range [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 { return r.End - r.Start + 1 }

// Progress is invoked periodically as bytes are written. written is
// cumulative for this segment.
type Progress func(written int64)

// Options configures a single segment transfer.
type Options struct {
	URL         string
	Dest        Range
	TempPath    string
	ChunkSize   int64
	UserAgent   string
	Client      *http.Client
	Global      *bucket.Limiter
	PerTask     *bucket.Limiter
	OnProgress  Progress
	// ProgressEvery throttles OnProgress invocations; zero means every
	// chunk.
	ProgressEvery time.Duration
}

// Result reports how much of the range was actually written before
// success, cancellation, or failure.
type Result struct {
	BytesWritten int64
	Err          error
	// RetryAfter is the server's requested retry delay (spec §8
	// boundary: "server returns 429 with Retry-After"), zero if the
	// response carried none.
	RetryAfter time.Duration
}

// Download streams opts.Dest from opts.URL into opts.TempPath,
// starting at file offset 0 in the temp file (each segment owns its
// own temp artifact). It returns the number of bytes written and a
// *errs.Error classifying any failure. Cancellation via ctx leaves the
// temp file in place for resume.
func Download(ctx context.Context, opts Options) Result {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.OpenFile(opts.TempPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return Result{Err: errs.New(errs.IOWrite, "transfer.open", err)}
	}
	defer f.Close()

	existing, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return Result{Err: errs.New(errs.IOWrite, "transfer.seek", err)}
	}

	start := opts.Dest.Start + existing
	if start >= opts.Dest.End+1 {
		// Temp artifact already covers the whole range (stale resume).
		return Result{BytesWritten: opts.Dest.Len()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return Result{Err: errs.New(errs.Validation, "transfer.request", err)}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, opts.Dest.End))
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{BytesWritten: existing, Err: classifyTransportErr(err)}
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); !ok {
		res := Result{BytesWritten: existing, Err: errs.New(kind, "transfer.status",
			fmt.Errorf("status %d", resp.StatusCode))}
		if d, ok := parseRetryAfter(resp.Header); ok {
			res.RetryAfter = d
		}
		return res
	}

	buf := make([]byte, chunkSize)
	written := existing
	var lastReport time.Time

	for {
		select {
		case <-ctx.Done():
			return Result{BytesWritten: written, Err: errs.New(errs.Cancelled, "transfer.cancel", ctx.Err())}
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := bucket.Chain(ctx, int64(n), opts.Global, opts.PerTask); err != nil {
				return Result{BytesWritten: written, Err: errs.New(errs.Cancelled, "transfer.limiter", err)}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				kind := errs.IOWrite
				if isDiskFull(werr) {
					kind = errs.DiskFull
				}
				return Result{BytesWritten: written, Err: errs.New(kind, "transfer.write", werr)}
			}
			written += int64(n)

			if opts.OnProgress != nil {
				if opts.ProgressEvery == 0 || time.Since(lastReport) >= opts.ProgressEvery {
					opts.OnProgress(written)
					lastReport = time.Now()
				}
			}
		}

		if readErr == io.EOF {
			if opts.OnProgress != nil {
				opts.OnProgress(written)
			}
			return Result{BytesWritten: written}
		}
		if readErr != nil {
			return Result{BytesWritten: written, Err: classifyTransportErr(readErr)}
		}

		// Observe cancellation between chunks with bounded latency.
		select {
		case <-ctx.Done():
			return Result{BytesWritten: written, Err: errs.New(errs.Cancelled, "transfer.cancel", ctx.Err())}
		default:
		}
	}
}

func classifyStatus(status int) (errs.Kind, bool) {
	switch {
	case status == http.StatusPartialContent || status == http.StatusOK:
		return "", true
	case status == http.StatusTooManyRequests:
		return errs.HTTP429, false
	case status == http.StatusRequestTimeout:
		return errs.HTTP408, false
	case status >= 500:
		return errs.HTTP5xx, false
	case status >= 400:
		return errs.HTTP4xxOther, false
	default:
		return errs.Protocol, false
	}
}

// parseRetryAfter reads the Retry-After header (RFC 9110 §10.2.3): either
// an integer number of delta-seconds or an HTTP-date.
func parseRetryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func classifyTransportErr(err error) *errs.Error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return errs.New(errs.Cancelled, "transfer", err)
	}
	return errs.New(errs.Network, "transfer", err)
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
