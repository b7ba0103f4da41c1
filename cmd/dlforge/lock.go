package main

import (
	"fmt"

	"github.com/gofrs/flock"
)

// processLock is a flock-guarded single-instance lock so two CLI
// invocations never run two schedulers against the same queue state
// file concurrently.
type processLock struct {
	fl *flock.Flock
}

// acquireLock tries to take the lock without blocking. ok is false if
// another dlforge invocation already holds it.
func acquireLock() (*processLock, bool, error) {
	if _, err := ensureStateDir(); err != nil {
		return nil, false, fmt.Errorf("dlforge: preparing state dir: %w", err)
	}
	fl := flock.New(lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("dlforge: acquiring lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &processLock{fl: fl}, true, nil
}

func (l *processLock) release() {
	if l != nil && l.fl != nil {
		_ = l.fl.Unlock()
	}
}
