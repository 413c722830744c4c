// Package scheduler runs analysis requests on a fixed worker pool fed by a
// bounded, size-prioritised queue.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vetbox/internal/verdict"
)

var (
	// ErrQueueFull is returned by Enqueue when capacity is exhausted. The
	// request still receives a fail-open completion.
	ErrQueueFull = errors.New("analysis queue full")
	// ErrClosed is returned by Enqueue after Close. No completion follows.
	ErrClosed = errors.New("scheduler closed")
	// ErrPanic wraps a recovered handler panic.
	ErrPanic = errors.New("analysis panicked")
)

// Handler analyzes one dequeued request. ctx carries the submitter's values
// but is never cancelled by the submitter.
type Handler func(ctx context.Context, req *Request) (*verdict.Result, error)

// Config sizes the pool.
type Config struct {
	Workers      int           `yaml:"workers"`
	Capacity     int           `yaml:"capacity"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	AgingStep    time.Duration `yaml:"aging_step"`
}

// DefaultConfig returns 4 workers, 100 slots, a 30s queue-wait deadline and
// a 2s aging step per size class.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		Capacity:     100,
		QueueTimeout: 30 * time.Second,
		AgingStep:    2 * time.Second,
	}
}

// Validate checks the pool dimensions.
func (c Config) Validate() error {
	if c.Workers < 1 || c.Workers > 256 {
		return fmt.Errorf("scheduler.workers must be 1-256, got %d", c.Workers)
	}
	if c.Capacity < c.Workers {
		return fmt.Errorf("scheduler.capacity (%d) must be >= workers (%d)", c.Capacity, c.Workers)
	}
	if c.QueueTimeout < 0 || c.AgingStep < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}
	return nil
}

// Scheduler owns the queue, the workers and the telemetry counters. The
// queue and counters share one mutex.
type Scheduler struct {
	cfg     Config
	handler Handler
	obs     Observer
	now     func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    requestHeap
	accepted int // queued + running
	running  int
	seq      uint64
	closed   bool
	tel      Telemetry

	wg      sync.WaitGroup
	deliver *deliverer
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithObserver mirrors queue events to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.obs = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New starts cfg.Workers workers running h.
func New(cfg Config, h Handler, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		handler: h,
		obs:     nopObserver{},
		now:     time.Now,
		deliver: newDeliverer(),
	}
	for _, o := range opts {
		o(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.tel.Since = s.now()

	s.wg.Add(cfg.Workers)
	for i := range cfg.Workers {
		go s.worker(i)
	}
	log.Info().Int("workers", cfg.Workers).Int("capacity", cfg.Capacity).Msg("scheduler started")
	return s, nil
}

// Enqueue submits req without blocking. On ErrQueueFull the request is
// answered with a low-confidence Clean verdict through its completion.
func (s *Scheduler) Enqueue(req *Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	req.enqueuedAt = s.now()

	if s.accepted >= s.cfg.Capacity {
		s.tel.QueueFullRejected++
		s.mu.Unlock()

		s.obs.Rejected()
		r := verdict.Unanalyzed(verdict.Clean, verdict.StageQueueFull, "analysis queue full; allowed without analysis")
		r.ID, r.Filename, r.CreatedAt = req.ID, req.Filename, req.enqueuedAt.UTC()
		s.deliver.push(req, Completion{Result: &r})
		log.Warn().Str("request_id", req.ID).Int("capacity", s.cfg.Capacity).Msg("queue full, failing open")
		return ErrQueueFull
	}

	s.seq++
	req.seq = s.seq
	req.vtime = req.enqueuedAt.Add(time.Duration(req.class) * s.cfg.AgingStep)
	req.stopCancel = context.AfterFunc(req.ctx, func() { s.dropCancelled(req) })
	heap.Push(&s.queue, req)
	s.accepted++
	depth := len(s.queue)
	s.cond.Signal()
	s.mu.Unlock()

	s.obs.QueueDepth(depth)
	return nil
}

// dropCancelled removes a request whose submitter went away while it was
// still queued.
func (s *Scheduler) dropCancelled(req *Request) {
	s.mu.Lock()
	if req.index < 0 {
		s.mu.Unlock()
		return
	}
	heap.Remove(&s.queue, req.index)
	s.accepted--
	s.tel.Failed++
	depth := len(s.queue)
	s.mu.Unlock()

	s.obs.QueueDepth(depth)
	s.deliver.push(req, Completion{Err: fmt.Errorf("dropped from queue: %w", context.Cause(req.ctx))})
}

func (s *Scheduler) dequeue() (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	req := heap.Pop(&s.queue).(*Request)
	s.running++
	return req, true
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		req, ok := s.dequeue()
		if !ok {
			log.Debug().Int("worker", id).Msg("worker exiting")
			return
		}
		if req.stopCancel != nil {
			req.stopCancel()
		}
		s.obs.QueueDepth(s.Depth())
		s.process(req)
	}
}

func (s *Scheduler) process(req *Request) {
	if err := req.ctx.Err(); err != nil {
		s.finish(req, Completion{Err: fmt.Errorf("dropped from queue: %w", context.Cause(req.ctx))}, outcomeFailed)
		return
	}

	if wait := s.now().Sub(req.enqueuedAt); s.cfg.QueueTimeout > 0 && wait > s.cfg.QueueTimeout {
		r := verdict.Unanalyzed(verdict.Suspicious, verdict.StageQueueTimeout,
			fmt.Sprintf("waited %s in queue, deadline %s", wait.Round(time.Millisecond), s.cfg.QueueTimeout))
		r.ID, r.Filename, r.CreatedAt = req.ID, req.Filename, s.now().UTC()
		log.Warn().Str("request_id", req.ID).Dur("waited", wait).Msg("queue-wait deadline exceeded")
		s.finish(req, Completion{Result: &r}, outcomeTimedOut)
		return
	}

	res, err := s.run(req)
	switch {
	case err != nil:
		s.finish(req, Completion{Err: err}, outcomeFailed)
	case res == nil:
		s.finish(req, Completion{Err: errors.New("handler returned no result")}, outcomeFailed)
	case res.TimedOut:
		s.finish(req, Completion{Result: res}, outcomeTimedOut)
	default:
		s.finish(req, Completion{Result: res}, outcomeCompleted)
	}
}

func (s *Scheduler) run(req *Request) (res *verdict.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("request_id", req.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("analysis panicked")
			res, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return s.handler(context.WithoutCancel(req.ctx), req)
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeTimedOut
)

func (s *Scheduler) finish(req *Request, c Completion, o outcome) {
	s.mu.Lock()
	s.accepted--
	s.running--
	switch o {
	case outcomeCompleted:
		s.tel.Completed++
	case outcomeFailed:
		s.tel.Failed++
	case outcomeTimedOut:
		s.tel.TimedOut++
	}
	s.mu.Unlock()

	s.deliver.push(req, c)
}

// Depth is the number of queued (not yet running) requests.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Telemetry returns a snapshot of the counters.
func (s *Scheduler) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tel
	t.QueueDepth = len(s.queue)
	t.Running = s.running
	t.Workers = s.cfg.Workers
	t.Capacity = s.cfg.Capacity
	return t
}

// ResetTelemetry zeroes the monotonic counters. Operator action only.
func (s *Scheduler) ResetTelemetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tel = Telemetry{Since: s.now()}
	log.Info().Msg("scheduler telemetry reset")
}

// Close stops accepting work, fails anything still queued with ErrClosed,
// waits for running analyses to finish and flushes all completions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queued := make([]*Request, 0, len(s.queue))
	for len(s.queue) > 0 {
		queued = append(queued, heap.Pop(&s.queue).(*Request))
	}
	s.accepted -= len(queued)
	s.tel.Failed += uint64(len(queued))
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, req := range queued {
		if req.stopCancel != nil {
			req.stopCancel()
		}
		s.deliver.push(req, Completion{Err: ErrClosed})
	}

	s.wg.Wait()
	s.deliver.close()
	s.obs.QueueDepth(0)
	log.Info().Int("drained", len(queued)).Msg("scheduler stopped")
}
