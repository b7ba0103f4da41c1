// Package engine wires the queue, coordinator, persistence, event bus,
// and history ledger into the single download(url, destination,
// options) contract of spec §4.4, dispatched through the scheduler of
// spec §4.6.
package engine

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlforge/dlforge/internal/bucket"
	"github.com/dlforge/dlforge/internal/config"
	"github.com/dlforge/dlforge/internal/coordinator"
	"github.com/dlforge/dlforge/internal/errs"
	"github.com/dlforge/dlforge/internal/events"
	"github.com/dlforge/dlforge/internal/history"
	"github.com/dlforge/dlforge/internal/persistence"
	"github.com/dlforge/dlforge/internal/queue"
	"github.com/dlforge/dlforge/internal/utils"
)

const userAgent = "dlforge/1.0"

// Engine is the top-level façade: Enqueue admits work, the scheduler
// dispatches it through the coordinator, and every transition fans out
// to the event bus, persistence, and (on terminal outcomes) the
// history ledger.
type Engine struct {
	opts *config.Options

	scheduler *queue.Scheduler
	bus       *events.Bus
	persist   *persistence.Store
	ledger    *history.Ledger
	global    *bucket.Limiter
	client    *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine from opts. If opts.PersistQueue is set, the
// queue is persisted to opts.QueueStatePath on every transition and
// rehydrated (with crash-recovery rewrites applied) from it now.
func New(opts *config.Options, ledgerPath string) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		opts:   opts,
		bus:    events.New(opts.GetProgressThrottle()),
		global: bucket.New(),
		client: newClient(),
	}

	if opts.EnableBandwidthLimiting && opts.GlobalBandwidthLimitBps > 0 {
		e.global.Configure(opts.GlobalBandwidthLimitBps, opts.GlobalBandwidthLimitBps)
	}

	if opts.PersistQueue && opts.QueueStatePath != "" {
		e.persist = persistence.New(opts.QueueStatePath, 250*time.Millisecond)
	}

	if ledgerPath != "" {
		l, err := history.Open(ledgerPath)
		if err != nil {
			return nil, err
		}
		e.ledger = l
	}

	e.scheduler = queue.New(opts.ToQueuePolicy(), e, e.onTransition)

	if e.persist != nil {
		records, err := persistence.Load(opts.QueueStatePath)
		if err != nil {
			utils.Debug("engine: failed to load persisted queue state: %v", err)
		}
		for _, r := range records {
			e.rehydrate(r)
		}
	}

	return e, nil
}

func newClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		},
	}
}

func (e *Engine) rehydrate(r persistence.TaskRecord) {
	t := &queue.Task{
		ID:          r.TaskID,
		URL:         r.URL,
		Dest:        r.Dest,
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
	}
	if err := e.scheduler.Enqueue(t); err != nil {
		utils.Debug("engine: rehydrate failed for %s: %v", r.TaskID, err)
		return
	}
	if queue.State(r.State) == queue.Paused {
		_ = e.scheduler.Pause(r.TaskID)
	}
}

// Start runs the scheduler's background loop until Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		utils.Gate("SCHEDULER | STARTED | max_active=%d", e.opts.GetMaxActiveDownloads())
		e.scheduler.Start(e.ctx)
	}()
}

// Stop halts the scheduler loop, waits for it to return, then flushes
// any pending persisted state and closes the ledger. Dispatches
// themselves are detached goroutines; Stop does not wait for them to
// finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.Stop()
	e.wg.Wait()
	if e.persist != nil {
		e.persist.Flush()
	}
	if e.ledger != nil {
		_ = e.ledger.Close()
	}
}

// Enqueue admits a new download task and returns its id.
func (e *Engine) Enqueue(url, dest string, priority int, maxAttempts int) (string, error) {
	t := &queue.Task{
		ID:          uuid.New().String(),
		URL:         url,
		Dest:        dest,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}
	if err := e.scheduler.Enqueue(t); err != nil {
		return "", err
	}
	_ = e.bus.PublishAdded(toEventSnapshot(t.ToSnapshot()))
	return t.ID, nil
}

func (e *Engine) Pause(id string) error  { return e.scheduler.Pause(id) }
func (e *Engine) Resume(id string) error { return e.scheduler.Resume(id) }
func (e *Engine) Cancel(id string) error { return e.scheduler.Cancel(id) }
func (e *Engine) List() []queue.Snapshot { return e.scheduler.List() }
func (e *Engine) Subscribe(topic events.Topic, h events.Handler) events.Subscription {
	return e.bus.Subscribe(topic, h)
}
func (e *Engine) Unsubscribe(sub events.Subscription) { e.bus.Unsubscribe(sub) }

// Dispatch implements queue.Dispatcher: it runs one task through the
// coordinator and reports the outcome back to the scheduler.
func (e *Engine) Dispatch(ctx context.Context, t *queue.Task) {
	var markOnce sync.Once
	markDownloading := func() {
		markOnce.Do(func() { _ = e.scheduler.MarkDownloading(t.ID) })
	}

	fallback := time.AfterFunc(time.Second, markDownloading)
	defer fallback.Stop()

	perTask := (*bucket.Limiter)(nil)
	if e.opts.EnableBandwidthLimiting && e.opts.PerTaskBandwidthLimitBps > 0 {
		perTask = bucket.New()
		perTask.Configure(e.opts.PerTaskBandwidthLimitBps, e.opts.PerTaskBandwidthLimitBps)
	}

	c := coordinator.New(coordinator.Options{
		MultiConnectionThreshold:  e.opts.GetMultiConnectionThresholdBytes(),
		MaxConnections:            e.opts.GetMaxConnections(),
		MinSegmentSize:            e.opts.GetMinSegmentSizeBytes(),
		ChunkSize:                 e.opts.GetChunkSizeBytes(),
		ProgressEvery:             e.opts.GetProgressThrottle(),
		UserAgent:                 userAgent,
		Client:                    e.client,
		Global:                    e.global,
		PerTask:                   perTask,
		KeepPartialsOnCancelMulti: true,
		OnProgress: func(p coordinator.ProgressInfo) {
			markDownloading()
			total := int64(0)
			if got, ok := e.scheduler.Get(t.ID); ok {
				total = got.BytesTotal
			}
			downloaded := int64(p.Progress * float64(total))
			_ = e.scheduler.UpdateProgress(t.ID, downloaded, total, 0)
			if snap, ok := e.scheduler.Get(t.ID); ok {
				_ = e.bus.PublishProgress(toEventSnapshot(snap.ToSnapshot()))
			}
		},
	})

	res, err := c.Download(ctx, t.URL, t.Dest)
	if err != nil {
		kind, _ := errs.KindOf(err)
		if kind == errs.Cancelled {
			if want, ok := e.scheduler.PendingIntent(t.ID); ok && want == queue.Cancelled {
				_ = e.scheduler.Cancelled(t.ID)
			} else {
				_ = e.scheduler.Paused(t.ID)
			}
			return
		}
		var retryAfter *time.Duration
		if res.RetryAfter > 0 {
			ra := res.RetryAfter
			retryAfter = &ra
		}
		_ = e.scheduler.Fail(t.ID, kind, err.Error(), retryAfter)
		return
	}
	_ = e.scheduler.Complete(t.ID)
}

// onTransition is the scheduler hook wiring every state change to the
// event bus, persistence, and (for terminal states) the history
// ledger.
func (e *Engine) onTransition(t *queue.Task) {
	snap := toEventSnapshot(t.ToSnapshot())
	_ = e.bus.PublishTransition(snap)

	if t.State.Terminal() && e.ledger != nil {
		_ = e.ledger.Record(history.Entry{
			TaskID:          t.ID,
			URL:             t.URL,
			Dest:            t.Dest,
			State:           string(t.State),
			BytesDownloaded: t.BytesDownloaded,
			BytesTotal:      t.BytesTotal,
			Attempt:         t.Attempt,
			LastError:       t.LastError,
			CreatedAt:       t.CreatedAt,
			FinishedAt:      time.Now(),
		})
	}

	if e.persist != nil {
		e.persistSnapshot()
	}
}

func (e *Engine) persistSnapshot() {
	snap := persistence.QueueSnapshot{ExportedAt: time.Now()}
	for _, s := range e.scheduler.List() {
		if queue.State(s.State).Terminal() {
			continue
		}
		t, ok := e.scheduler.Get(s.TaskID)
		if !ok {
			continue
		}
		snap.Tasks = append(snap.Tasks, persistence.FromTask(&t))
	}
	if err := e.persist.Save(snap); err != nil {
		utils.Debug("engine: persist failed: %v", err)
	}
}

func toEventSnapshot(s queue.Snapshot) events.Snapshot {
	return events.Snapshot{
		TaskID:            s.TaskID,
		State:             s.State,
		Priority:          s.Priority,
		EffectivePriority: s.EffectivePriority,
		Host:              s.Host,
		BytesDownloaded:   s.BytesDownloaded,
		BytesTotal:        s.BytesTotal,
		ThroughputBps:     s.ThroughputBps,
		Attempt:           s.Attempt,
		MaxAttempts:       s.MaxAttempts,
		NextEligibleAt:    s.NextEligibleAt,
		LastError:         s.LastError,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}
