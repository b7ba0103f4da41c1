// Package bucket implements the token-bucket bandwidth limiter of spec
// §4.2 (C2): a global limiter shared by all active downloads, and an
// optional per-task limiter layered on top of it. A transfer must pass
// both in sequence.
package bucket

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter enforces a byte-rate cap with cooperative waiting. The zero
// value is disabled and Consume is then a zero-overhead no-op.
type Limiter struct {
	enabled atomic.Bool
	mu      sync.RWMutex
	rl      *rate.Limiter
}

// New creates a disabled Limiter. Call Configure to enable it.
func New() *Limiter {
	return &Limiter{}
}

// Configure (re)sets the fill rate r (bytes/sec) and burst capacity b
// (bytes). r <= 0 disables the limiter. b <= 0 defaults to one second
// of r. Reconfiguration is atomic and takes effect on the next Consume.
func (l *Limiter) Configure(r int64, b int64) {
	if r <= 0 {
		l.enabled.Store(false)
		return
	}
	if b <= 0 {
		b = r
	}
	l.mu.Lock()
	l.rl = rate.NewLimiter(rate.Limit(r), int(b))
	l.mu.Unlock()
	l.enabled.Store(true)
}

// Disable turns the limiter off; Consume becomes a no-op.
func (l *Limiter) Disable() {
	l.enabled.Store(false)
}

// Consume blocks, if necessary, until n bytes' worth of tokens are
// available, then withdraws them. It returns only ctx.Err() if ctx is
// cancelled while waiting.
func (l *Limiter) Consume(ctx context.Context, n int64) error {
	if !l.enabled.Load() {
		return nil
	}
	l.mu.RLock()
	rl := l.rl
	l.mu.RUnlock()
	if rl == nil {
		return nil
	}
	if n <= 0 {
		return nil
	}
	// WaitN requires n <= burst; chunk the request so a large read
	// against a small burst doesn't panic.
	burst := rl.Burst()
	for n > 0 {
		take := n
		if burst > 0 && take > int64(burst) {
			take = int64(burst)
		}
		if err := rl.WaitN(ctx, int(take)); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Enabled reports whether the limiter currently enforces a rate.
func (l *Limiter) Enabled() bool {
	return l.enabled.Load()
}

// Chain consumes n bytes against every non-nil, enabled limiter in
// sequence (global then per-task, per spec §4.2).
func Chain(ctx context.Context, n int64, limiters ...*Limiter) error {
	for _, l := range limiters {
		if l == nil {
			continue
		}
		if err := l.Consume(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
