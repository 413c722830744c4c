package engine

import "context"

// flight is the context shared by every caller coalesced onto one
// analysis. It is cancelled when the last of them leaves, which drops the
// request if it is still queued. A running analysis is not interrupted.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers a waiter on key, starting a flight from ctx's values when
// none is open.
func (e *Engine) join(ctx context.Context, key string) *flight {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f, ok := e.waiting[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		e.waiting[key] = f
	}
	f.waiters++
	return f
}

func (e *Engine) leave(key string, f *flight) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.waiting[key] == f {
		delete(e.waiting, key)
	}
}
