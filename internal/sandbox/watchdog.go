package sandbox

import (
	"context"
	"sync"
	"time"
)

// Watchdog kills a child when its wall-clock deadline passes or its
// context ends. It runs on a runtime timer, independent of the child's CPU
// rlimit, so a sleeping or blocked sample is still stopped.
type Watchdog struct {
	timer   *time.Timer
	stopCtx func() bool

	mu      sync.Mutex
	stopped bool
	fired   bool
}

// StartWatchdog arms a watchdog that calls kill once, after d or when ctx
// is done, whichever comes first.
func StartWatchdog(ctx context.Context, d time.Duration, kill func()) *Watchdog {
	w := &Watchdog{}
	fire := func() {
		w.mu.Lock()
		if w.stopped || w.fired {
			w.mu.Unlock()
			return
		}
		w.fired = true
		w.mu.Unlock()
		kill()
	}
	w.timer = time.AfterFunc(d, fire)
	w.stopCtx = context.AfterFunc(ctx, fire)
	return w
}

// Stop disarms the watchdog. Call it as soon as the child has exited: a
// deadline or cancellation arriving later is not counted as a kill. It
// reports false if kill already ran or is running.
func (w *Watchdog) Stop() bool {
	w.mu.Lock()
	w.stopped = true
	fired := w.fired
	w.mu.Unlock()
	w.timer.Stop()
	w.stopCtx()
	return !fired
}

// Fired reports whether kill was called before Stop.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
