// Package coordinator implements the Multi-Connection Coordinator
// (spec §4.4, C4): mode selection, segment planning, concurrent
// execution via the segment downloader, merge, SHA-256 verification,
// and atomic commit.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2non/filetype"

	"github.com/dlforge/dlforge/internal/bucket"
	"github.com/dlforge/dlforge/internal/errs"
	"github.com/dlforge/dlforge/internal/probe"
	"github.com/dlforge/dlforge/internal/resume"
	"github.com/dlforge/dlforge/internal/transfer"
	"github.com/dlforge/dlforge/internal/utils"
)

// Options configures a single coordinator run (spec §6.4 execution
// policy fields relevant to C4).
type Options struct {
	MultiConnectionThreshold int64
	MaxConnections           int
	MinSegmentSize           int64

	KeepPartialsOnCancelMulti  bool
	KeepPartialsOnCancelSingle bool

	ChunkSize     int64
	ProgressEvery time.Duration

	UserAgent string
	Client    *http.Client

	Global  *bucket.Limiter
	PerTask *bucket.Limiter

	OnProgress ProgressFunc
}

// DefaultOptions returns the thresholds named in spec §4.4/§6.4.
func DefaultOptions() Options {
	return Options{
		MultiConnectionThreshold:  8 << 20,
		MaxConnections:            4,
		MinSegmentSize:            1 << 20,
		KeepPartialsOnCancelMulti: true,
		ChunkSize:                 transfer.DefaultChunkSize,
		ProgressEvery:             250 * time.Millisecond,
	}
}

// ProgressInfo is the exact shape of spec §4.4's progress-callback
// contract: filename, progress, speed, status, no more and no fewer
// keys.
type ProgressInfo struct {
	Filename string
	Progress float64
	Speed    string
	Status   string
}

// ProgressFunc is the coordinator's progress callback.
type ProgressFunc func(ProgressInfo)

func validateProgress(p ProgressInfo) error {
	if p.Filename == "" || p.Status == "" {
		utils.Gate("PROGRESS_CALLBACK_INVALID | filename=%q status=%q", p.Filename, p.Status)
		return errs.New(errs.ContractViolation, "coordinator.progress", fmt.Errorf("missing required field"))
	}
	if p.Progress < 0 || p.Progress > 1 {
		utils.Gate("PROGRESS_CALLBACK_INVALID | progress=%f out of range", p.Progress)
		return errs.New(errs.ContractViolation, "coordinator.progress", fmt.Errorf("progress out of [0,1]"))
	}
	return nil
}

// Result is the public download() contract result of spec §4.4.
type Result struct {
	Mode            string // "multi" or "single"
	ConnectionsUsed int
	TotalSize       int64
	Error           string
	SHA256          string
	// FinalDest is the actual path written to, which differs from the
	// destination passed to Download when it named a directory: the
	// probed filename is appended and, if taken, given a "(n)" suffix.
	// A file path is used as given (see resolveDestination).
	FinalDest string
	// RetryAfter is set on a retryable failure when a segment's
	// response carried a Retry-After header (spec §8 boundary), so the
	// caller can honor it when scheduling the next attempt.
	RetryAfter time.Duration
}

// resolveDestination implements the directory-destination and
// unique-naming behaviors: if destination is an existing directory,
// the probed filename is appended; if the resulting path (or its
// resume pair) already exists, a "(1)", "(2)", ... suffix is added.
func resolveDestination(destination string, probeRes probe.Result) string {
	info, err := os.Stat(destination)
	if err != nil || !info.IsDir() {
		// Already a concrete file path: leave it untouched so a retry or
		// resume targets the same artifact it did on the prior attempt.
		return destination
	}
	name := probeRes.Filename
	if name == "" {
		name = "download.bin"
	}
	return uniqueFilePath(filepath.Join(destination, name))
}

// uniqueFilePath appends "(1)", "(2)", ... to path's base name until
// neither the final path nor its in-progress resume pair exists.
func uniqueFilePath(path string) string {
	if !destinationOccupied(path) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	counter := 1

	if n := len(base); n > 3 && base[n-1] == ')' {
		if open := strings.LastIndexByte(base, '('); open != -1 {
			if num, err := strconv.Atoi(base[open+1 : n-1]); err == nil && num > 0 {
				base = base[:open]
				counter = num + 1
			}
		}
	}

	for i := 0; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", base, counter+i, ext))
		if !destinationOccupied(candidate) {
			return candidate
		}
	}
	return path
}

func destinationOccupied(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_, err := os.Stat(path + ".resume")
	return err == nil
}

// Coordinator drives one destination's download through probe, plan,
// transfer, and commit.
type Coordinator struct {
	opts Options
}

// New returns a Coordinator configured by opts.
func New(opts Options) *Coordinator {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	if opts.MinSegmentSize <= 0 {
		opts.MinSegmentSize = 1 << 20
	}
	if opts.MultiConnectionThreshold <= 0 {
		opts.MultiConnectionThreshold = 8 << 20
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = transfer.DefaultChunkSize
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 250 * time.Millisecond
	}
	return &Coordinator{opts: opts}
}

// Download executes the full C4 contract for one (url, destination)
// pair: probe, resume-or-plan, concurrent transfer, merge, hash,
// atomic commit.
func (c *Coordinator) Download(ctx context.Context, rawurl, destination string) (Result, error) {
	client := c.opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	probeRes, err := probe.Probe(ctx, client, rawurl)
	if err != nil {
		return Result{Error: err.Error()}, err
	}

	destination = resolveDestination(destination, probeRes)

	if err := resume.EnsureDir(destination); err != nil {
		return Result{Error: err.Error()}, errs.New(errs.IOWrite, "coordinator.mkdir", err)
	}

	if probeRes.TotalSize == 0 {
		return c.commitEmpty(destination, probeRes)
	}

	store := resume.New(destination)
	if err := store.Open(); err != nil {
		return Result{Error: err.Error()}, errs.New(errs.ContractViolation, "coordinator.resume.open", err)
	}
	defer store.Close()

	rec, planned, mode, err := c.planOrResume(destination, rawurl, probeRes)
	if err != nil {
		return Result{Error: err.Error()}, err
	}
	if err := store.Save(rec); err != nil {
		return Result{Error: err.Error()}, errs.New(errs.IOWrite, "coordinator.resume.save", err)
	}

	segResults, retryAfter, execErr := c.execute(ctx, rawurl, destination, rec, planned)
	if execErr != nil {
		// Persist current byte counts for whatever progress was made so a
		// later retry can resume from here.
		rec.Segments = segResults
		_ = store.Save(rec)

		if !shouldKeepPartials(mode, c.opts, execErr) {
			cleanupSegments(destination, rec.Segments)
			_ = resume.Delete(destination)
		}
		return Result{Mode: mode, ConnectionsUsed: len(planned), TotalSize: probeRes.TotalSize, Error: execErr.Error(), FinalDest: destination, RetryAfter: retryAfter}, execErr
	}

	digest, err := c.mergeAndCommit(destination, rec.Segments)
	if err != nil {
		return Result{Mode: mode, ConnectionsUsed: len(planned), TotalSize: probeRes.TotalSize, Error: err.Error(), FinalDest: destination}, err
	}

	cleanupSegments(destination, rec.Segments)
	_ = resume.Delete(destination)

	return Result{
		Mode:            mode,
		FinalDest:       destination,
		ConnectionsUsed: len(planned),
		TotalSize:       probeRes.TotalSize,
		SHA256:          digest,
	}, nil
}

// commitEmpty handles the zero-byte resource boundary case (spec §8):
// no ranged GET is issued at all, since "bytes=0-(-1)" is not a valid
// range header.
func (c *Coordinator) commitEmpty(destination string, probeRes probe.Result) (Result, error) {
	tmp := destination + ".part"
	if err := os.WriteFile(tmp, nil, 0644); err != nil {
		return Result{Error: err.Error()}, errs.New(errs.IOWrite, "coordinator.empty", err)
	}
	if err := os.Rename(tmp, destination); err != nil {
		return Result{Error: err.Error()}, errs.New(errs.IOWrite, "coordinator.rename", err)
	}
	h := sha256.Sum256(nil)
	return Result{
		Mode:            "single",
		ConnectionsUsed: 1,
		TotalSize:       0,
		SHA256:          hex.EncodeToString(h[:]),
		FinalDest:       destination,
	}, nil
}

// planOrResume decides single vs multi mode, builds or reuses the
// segment plan, and returns the ResumeRecord to persist before any
// byte is written.
func (c *Coordinator) planOrResume(destination, rawurl string, probeRes probe.Result) (resume.Record, []transfer.Range, string, error) {
	existing, err := resume.Load(destination)
	if err != nil {
		return resume.Record{}, nil, "", errs.New(errs.Validation, "coordinator.resume.load", err)
	}
	if existing != nil {
		stable := existing.TotalSize == probeRes.TotalSize &&
			(existing.ETag == "" || existing.ETag == probeRes.ETag) &&
			(existing.LastModified == "" || existing.LastModified == probeRes.LastModified)
		if stable {
			ranges := make([]transfer.Range, 0, len(existing.Segments))
			for _, s := range existing.Segments {
				ranges = append(ranges, transfer.Range{Start: s.Start, End: s.End})
			}
			mode := "single"
			if len(ranges) > 1 {
				mode = "multi"
			}
			return *existing, ranges, mode, nil
		}
		utils.Debug("coordinator: resume record for %s is stale, discarding", destination)
		_ = resume.Delete(destination)
	}

	mode, ranges := c.plan(probeRes)
	rec := resume.Record{
		URL:          rawurl,
		TotalSize:    probeRes.TotalSize,
		ETag:         probeRes.ETag,
		LastModified: probeRes.LastModified,
		CreatedAt:    time.Now(),
	}
	for i, r := range ranges {
		rec.Segments = append(rec.Segments, resume.SegmentRecord{Index: i, Start: r.Start, End: r.End})
	}
	return rec, ranges, mode, nil
}

// plan implements spec §4.4 mode selection and segment partitioning.
func (c *Coordinator) plan(probeRes probe.Result) (mode string, ranges []transfer.Range) {
	total := probeRes.TotalSize

	if total < c.opts.MultiConnectionThreshold || !probeRes.SupportsRange() || c.opts.MaxConnections == 1 {
		return "single", []transfer.Range{{Start: 0, End: total - 1}}
	}

	n := c.opts.MaxConnections
	byMinSize := int((total + c.opts.MinSegmentSize - 1) / c.opts.MinSegmentSize)
	if byMinSize < n {
		n = byMinSize
	}
	if n < 1 {
		n = 1
	}
	if n == 1 {
		return "single", []transfer.Range{{Start: 0, End: total - 1}}
	}

	return "multi", partition(total, n)
}

// partition splits [0,total) into n contiguous ranges whose lengths
// differ by at most one byte.
func partition(total int64, n int) []transfer.Range {
	base := total / int64(n)
	rem := total % int64(n)

	out := make([]transfer.Range, 0, n)
	var start int64
	for i := 0; i < n; i++ {
		length := base
		if int64(i) < rem {
			length++
		}
		end := start + length - 1
		out = append(out, transfer.Range{Start: start, End: end})
		start = end + 1
	}
	return out
}

type segOutcome struct {
	index      int
	written    int64
	err        error
	retryAfter time.Duration
}

// execute runs one worker per segment, aggregates progress on a
// throttled cadence, and stops all workers on the first failure.
func (c *Coordinator) execute(ctx context.Context, rawurl, destination string, rec resume.Record, ranges []transfer.Range) ([]resume.SegmentRecord, time.Duration, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	filename := filepath.Base(destination)
	counters := make([]int64, len(ranges))
	for i, s := range rec.Segments {
		atomic.StoreInt64(&counters[i], s.BytesWritten)
	}

	client := c.opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	results := make(chan segOutcome, len(ranges))
	var wg sync.WaitGroup

	for i, r := range ranges {
		wg.Add(1)
		go func(idx int, rng transfer.Range) {
			defer wg.Done()
			tempPath := destination + ".part"
			if len(ranges) > 1 {
				tempPath = resume.SegmentTempPath(destination, idx)
			}
			res := transfer.Download(runCtx, transfer.Options{
				URL:           rawurl,
				Dest:          rng,
				TempPath:      tempPath,
				ChunkSize:     c.opts.ChunkSize,
				UserAgent:     c.opts.UserAgent,
				Client:        client,
				Global:        c.opts.Global,
				PerTask:       c.opts.PerTask,
				ProgressEvery: c.opts.ProgressEvery,
				OnProgress: func(written int64) {
					atomic.StoreInt64(&counters[idx], written)
				},
			})
			results <- segOutcome{index: idx, written: res.BytesWritten, err: res.Err, retryAfter: res.RetryAfter}
		}(i, r)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	total := rec.TotalSize
	stopProgress := make(chan struct{})
	var progressWg sync.WaitGroup
	if c.opts.OnProgress != nil && total > 0 {
		progressWg.Add(1)
		go c.reportProgress(filename, total, counters, stopProgress, &progressWg)
	}

	var firstErr error
	var firstRetryAfter time.Duration
	received := 0
	for received < len(ranges) {
		select {
		case out := <-results:
			received++
			if out.err != nil && firstErr == nil {
				firstErr = out.err
				firstRetryAfter = out.retryAfter
				cancel()
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = errs.New(errs.Cancelled, "coordinator.execute", ctx.Err())
			}
			cancel()
		}
	}
	close(stopProgress)
	progressWg.Wait()

	segs := make([]resume.SegmentRecord, len(ranges))
	for i, r := range ranges {
		segs[i] = resume.SegmentRecord{Index: i, Start: r.Start, End: r.End, BytesWritten: atomic.LoadInt64(&counters[i])}
	}

	if firstErr != nil {
		return segs, firstRetryAfter, firstErr
	}

	for i, r := range ranges {
		if atomic.LoadInt64(&counters[i]) != r.Len() {
			return segs, 0, errs.New(errs.Protocol, "coordinator.execute",
				fmt.Errorf("segment %d wrote %d bytes, want %d", i, counters[i], r.Len()))
		}
	}
	return segs, 0, nil
}

func (c *Coordinator) reportProgress(filename string, total int64, counters []int64, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := c.opts.ProgressEvery
	jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
	timer := time.NewTimer(interval + jitter)
	defer timer.Stop()

	start := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			var sum int64
			for i := range counters {
				sum += atomic.LoadInt64(&counters[i])
			}
			elapsed := time.Since(start).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(sum) / elapsed
			}
			p := ProgressInfo{
				Filename: filename,
				Progress: clamp01(float64(sum) / float64(total)),
				Speed:    utils.ConvertBytesToHumanReadable(int64(speed)) + "/s",
				Status:   "downloading",
			}
			if err := validateProgress(p); err == nil {
				c.opts.OnProgress(p)
			}
			timer.Reset(interval + time.Duration(rand.Int63n(int64(50*time.Millisecond))))
		}
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// mergeAndCommit concatenates segment temp files in index order into
// "<final>.part" while streaming a SHA-256 digest, then atomically
// renames it to destination.
func (c *Coordinator) mergeAndCommit(destination string, segs []resume.SegmentRecord) (string, error) {
	mergedPath := resume.MergedTempPath(destination)
	multi := len(segs) > 1

	utils.Gate("HASH | START")
	utils.Gate("ATOMIC | START | temp=%s", mergedPath)

	if !multi {
		// Single-mode already wrote directly to "<final>.part"; just hash
		// it in place before renaming.
		digest, err := hashFile(mergedPath)
		if err != nil {
			return "", errs.New(errs.IOWrite, "coordinator.hash", err)
		}
		if err := os.Rename(mergedPath, destination); err != nil {
			return "", errs.New(errs.IOWrite, "coordinator.rename", err)
		}
		utils.Gate("HASH | FINAL_OK | sha256=%s", digest)
		utils.Gate("ATOMIC | COMMIT_OK | final=%s", destination)
		logDetectedType(destination)
		return digest, nil
	}

	out, err := os.OpenFile(mergedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", errs.New(errs.IOWrite, "coordinator.merge.open", err)
	}
	h := sha256.New()
	mw := io.MultiWriter(out, h)

	for i := range segs {
		segPath := resume.SegmentTempPath(destination, i)
		in, err := os.Open(segPath)
		if err != nil {
			out.Close()
			return "", errs.New(errs.IOWrite, "coordinator.merge.open_segment", err)
		}
		_, copyErr := io.Copy(mw, in)
		in.Close()
		if copyErr != nil {
			out.Close()
			return "", errs.New(errs.IOWrite, "coordinator.merge.copy", copyErr)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return "", errs.New(errs.IOWrite, "coordinator.merge.fsync", err)
	}
	if err := out.Close(); err != nil {
		return "", errs.New(errs.IOWrite, "coordinator.merge.close", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))

	if err := os.Rename(mergedPath, destination); err != nil {
		return "", errs.New(errs.IOWrite, "coordinator.rename", err)
	}
	utils.Gate("HASH | FINAL_OK | sha256=%s", digest)
	utils.Gate("ATOMIC | COMMIT_OK | final=%s", destination)
	logDetectedType(destination)
	return digest, nil
}

// logDetectedType sniffs the committed file's magic bytes and logs the
// detected MIME type alongside the commit gate lines. Purely a
// diagnostic beyond the spec's bare contract; failure to detect is not
// an error.
func logDetectedType(path string) {
	head := make([]byte, 261)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	n, _ := f.Read(head)
	f.Close()
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return
	}
	utils.Debug("coordinator: detected type=%s mime=%s for %s", kind.Extension, kind.MIME.Value, path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func cleanupSegments(destination string, segs []resume.SegmentRecord) {
	if len(segs) > 1 {
		for i := range segs {
			_ = os.Remove(resume.SegmentTempPath(destination, i))
		}
		return
	}
	_ = os.Remove(resume.MergedTempPath(destination))
}

func shouldKeepPartials(mode string, opts Options, err error) bool {
	if kind, ok := errs.KindOf(err); ok && kind == errs.Cancelled {
		if mode == "multi" {
			return opts.KeepPartialsOnCancelMulti
		}
		return opts.KeepPartialsOnCancelSingle
	}
	// Retryable failures always keep partials so a retry can resume.
	if kind, ok := errs.KindOf(err); ok && kind.Retryable() {
		return true
	}
	return false
}
