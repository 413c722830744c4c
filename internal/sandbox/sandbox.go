package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vetbox/internal/behavior"
	"vetbox/internal/budget"
	"vetbox/internal/config"
	"vetbox/internal/launcher"
	"vetbox/internal/monitor"
)

// streamGrace bounds how long Run waits for the trace to drain after the
// child exits.
const streamGrace = 2 * time.Second

// Result is what Tier-2 observed for one execution.
type Result struct {
	ID         string           `json:"id"`
	Launcher   string           `json:"launcher"`
	Metrics    behavior.Metrics `json:"metrics"`
	TimedOut   bool             `json:"timed_out"`
	ExitStatus int              `json:"exit_status"`
	Duration   time.Duration    `json:"duration"`
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithEventHook is called for every classified syscall, for telemetry.
func WithEventHook(fn func(behavior.Category)) Option {
	return func(s *Sandbox) { s.onEvent = fn }
}

// WithLaunchers replaces the default launcher registry.
func WithLaunchers(r *launcher.Registry) Option {
	return func(s *Sandbox) { s.launchers = r }
}

// Sandbox is the Tier-2 deep sandbox. It owns scratch space and drives one
// backend; it is safe for concurrent use.
type Sandbox struct {
	backend   Backend
	scratch   *Scratch
	launchers *launcher.Registry
	onEvent   func(behavior.Category)
	closed    atomic.Bool
}

func New(backend Backend, scratch *Scratch, opts ...Option) *Sandbox {
	s := &Sandbox{
		backend:   backend,
		scratch:   scratch,
		launchers: launcher.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open selects a backend from cfg, prepares the scratch root and sweeps what
// earlier runs left behind.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Sandbox, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	scratch, err := NewScratch(cfg.Tier2.ScratchRoot)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	if n, err := scratch.Sweep(); err != nil {
		log.Warn().Err(err).Msg("startup scratch sweep failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("removed orphaned scratch dirs on startup")
	}
	if n, err := backend.Sweep(ctx); err != nil {
		log.Warn().Err(err).Str("backend", backend.Name()).Msg("startup backend sweep failed")
	} else if n > 0 {
		log.Info().Int("count", n).Str("backend", backend.Name()).Msg("removed orphaned sandboxes on startup")
	}

	return New(backend, scratch, opts...), nil
}

// Backend returns the name of the backend in use.
func (s *Sandbox) Backend() string {
	return s.backend.Name()
}

// Available reports whether the backend's monitor can observe syscalls on
// this host.
func (s *Sandbox) Available() error {
	return s.backend.Monitor().Available()
}

// Run detonates content and returns the behavioural metrics. The wall-clock
// ceiling is b.Timeout or the context deadline, whichever comes first. A
// deadline hit is not an error: the result has TimedOut set and keeps the
// metrics gathered until the kill.
func (s *Sandbox) Run(ctx context.Context, content []byte, filename string, b budget.Budget) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrBackendClosed
	}
	if err := s.Available(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSandboxUnavailable, err)
	}

	id := uuid.New().String()
	logger := log.With().
		Str("exec_id", id).
		Str("backend", s.backend.Name()).
		Logger()

	if _, err := s.scratch.Sweep(); err != nil {
		logger.Warn().Err(err).Msg("scratch sweep failed")
	}

	timeout := b.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		logger.Warn().Msg("no time left for tier-2")
		return &Result{ID: id, TimedOut: true, ExitStatus: -1}, nil
	}

	ws, err := s.scratch.Create(id)
	if err != nil {
		return nil, &ExecutionError{ID: id, Op: "create_scratch", Err: fmt.Errorf("%w: %w", ErrSetupFailed, err)}
	}
	defer func() {
		if err := s.scratch.Release(ws); err != nil {
			logger.Error().Err(err).Str("dir", ws.Dir).Msg("scratch cleanup failed, recorded as orphan")
		}
	}()

	l := s.launchers.Detect(filename, content)
	name := SampleName(filename, l)
	if _, err := s.scratch.WriteSample(ws, name, content, l.Name() == (launcher.Native{}).Name()); err != nil {
		return nil, &ExecutionError{ID: id, Op: "write_sample", Err: fmt.Errorf("%w: %w", ErrSetupFailed, err)}
	}

	spec := LaunchSpec{
		ID:         id,
		Workspace:  ws,
		SampleName: name,
		Launcher:   l,
		Limits:     LimitsFromBudget(b),
	}

	start := time.Now()
	proc, err := s.backend.Start(ctx, spec)
	if err != nil {
		return nil, &ExecutionError{ID: id, Op: "start", Err: err}
	}
	logger.Debug().Str("launcher", l.Name()).Dur("timeout", timeout).Msg("tier-2 child started")

	kill := func() {
		if err := proc.Kill(); err != nil {
			logger.Warn().Err(err).Msg("killing tier-2 child failed")
		}
	}
	wd := StartWatchdog(ctx, timeout, kill)

	agg := behavior.NewAggregator(s.onEvent)
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- s.backend.Monitor().Stream(streamCtx, proc.Trace(), execGate(proc.InitPath(), agg.Observe))
	}()

	exitStatus, waitErr := proc.Wait()
	wd.Stop()
	timedOut := wd.Fired()

	select {
	case err := <-streamDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("syscall stream ended with error")
		}
	case <-time.After(streamGrace):
		logger.Warn().Msg("syscall trace did not drain after child exit")
	}
	metrics := agg.Finalize()
	if err := proc.Close(); err != nil {
		logger.Debug().Err(err).Msg("closing trace reader")
	}
	duration := time.Since(start)

	if waitErr != nil && !timedOut {
		return nil, &ExecutionError{ID: id, Op: "wait", Err: waitErr}
	}
	if timedOut {
		exitStatus = -1
		logger.Warn().Dur("timeout", timeout).Int("events", metrics.Events).Msg("tier-2 deadline exceeded, child killed")
	}

	logger.Info().
		Int("exit_status", exitStatus).
		Bool("timed_out", timedOut).
		Int("events", metrics.Events).
		Dur("duration", duration).
		Msg("tier-2 execution finished")

	return &Result{
		ID:         id,
		Launcher:   l.Name(),
		Metrics:    metrics,
		TimedOut:   timedOut,
		ExitStatus: exitStatus,
		Duration:   duration,
	}, nil
}

// Close stops accepting executions and releases the backend.
func (s *Sandbox) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}

// SampleName is the on-disk name of the sample: a fixed stem plus the
// original extension when the launcher needs it.
func SampleName(filename string, l launcher.Launcher) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext != "" && slices.Contains(l.Extensions(), ext) {
		return "sample" + ext
	}
	return "sample"
}

// execGate drops events until the first successful exec of something other
// than initPath, so helper setup never counts as sample behaviour. Stream
// calls emit from a single goroutine.
func execGate(initPath string, emit func(monitor.SyscallEvent)) func(monitor.SyscallEvent) {
	open := false
	return func(ev monitor.SyscallEvent) {
		if !open {
			if !isExec(ev) || ev.Failed() {
				return
			}
			if initPath != "" && execTarget(ev) == initPath {
				return
			}
			open = true
		}
		emit(ev)
	}
}

func isExec(ev monitor.SyscallEvent) bool {
	return ev.Name == "execve" || ev.Name == "execveat"
}

func execTarget(ev monitor.SyscallEvent) string {
	arg := ev.Arg(0)
	if ev.Name == "execveat" {
		arg = ev.Arg(1)
	}
	return strings.Trim(arg, `"`)
}
