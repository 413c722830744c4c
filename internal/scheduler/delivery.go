package scheduler

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type delivery struct {
	req *Request
	c   Completion
}

// deliverer publishes completions from a single goroutine so caller
// callbacks never run on a worker. push never blocks.
type deliverer struct {
	mu      sync.Mutex
	pending []delivery
	closing bool
	wake    chan struct{}
	stopped chan struct{}
}

func newDeliverer() *deliverer {
	d := &deliverer{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *deliverer) push(req *Request, c Completion) {
	d.mu.Lock()
	d.pending = append(d.pending, delivery{req: req, c: c})
	d.mu.Unlock()
	d.signal()
}

func (d *deliverer) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close flushes everything pushed so far and stops the goroutine.
func (d *deliverer) close() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.signal()
	<-d.stopped
}

func (d *deliverer) loop() {
	defer close(d.stopped)
	for range d.wake {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		closing := d.closing
		d.mu.Unlock()

		for _, x := range batch {
			publish(x)
		}
		if closing {
			d.mu.Lock()
			rest := d.pending
			d.pending = nil
			d.mu.Unlock()
			for _, x := range rest {
				publish(x)
			}
			return
		}
	}
}

func publish(x delivery) {
	// buffered with capacity one and written only here
	x.req.done <- x.c
	if x.req.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("request_id", x.req.ID).Msg("completion callback panicked")
		}
	}()
	x.req.callback(x.c)
}
