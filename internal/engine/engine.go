// Package engine orchestrates an analysis: cache lookup, coalescing of
// identical submissions, scheduling, the two sandbox tiers and the verdict.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"vetbox/internal/budget"
	"vetbox/internal/cache"
	"vetbox/internal/classifier"
	"vetbox/internal/fastscan"
	"vetbox/internal/monitor"
	"vetbox/internal/sandbox"
	"vetbox/internal/scheduler"
	"vetbox/internal/signature"
	"vetbox/internal/storage"
	"vetbox/internal/verdict"
)

// Tier2 runs a sample in the deep sandbox. *sandbox.Sandbox implements it.
type Tier2 interface {
	Run(ctx context.Context, content []byte, filename string, b budget.Budget) (*sandbox.Result, error)
	Backend() string
	// Available fails when the host cannot observe the child's syscalls.
	Available() error
}

// Auditor receives every delivered verdict. *storage.AuditWriter
// implements it.
type Auditor interface {
	Log(rec *storage.VerdictRecord)
}

// VerdictStore looks up audited verdicts. *storage.DB implements it.
type VerdictStore interface {
	GetVerdict(ctx context.Context, sha256 string) (*storage.VerdictRecord, error)
	ListVerdicts(ctx context.Context, filter storage.VerdictFilter) ([]storage.VerdictRecord, error)
	Healthy(ctx context.Context) bool
}

// Engine is the analysis orchestrator. It is safe for concurrent use.
type Engine struct {
	matcher    signature.Matcher
	classifier classifier.Classifier
	scanner    *fastscan.Scanner
	thresholds fastscan.Thresholds
	tier2      Tier2
	cache      cache.Cache
	cacheTTL   time.Duration
	auditor    Auditor
	store      VerdictStore
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer

	sched    *scheduler.Scheduler
	flights  singleflight.Group
	flightMu sync.Mutex
	waiting  map[string]*flight

	mu      sync.Mutex
	budget  budget.Budget
	started bool
	closed  bool

	closers []func()
}

// Option configures an Engine.
type Option func(*Engine)

func WithMatcher(m signature.Matcher) Option        { return func(e *Engine) { e.matcher = m } }
func WithClassifier(c classifier.Classifier) Option { return func(e *Engine) { e.classifier = c } }
func WithThresholds(t fastscan.Thresholds) Option   { return func(e *Engine) { e.thresholds = t } }
func WithTier2(t Tier2) Option                      { return func(e *Engine) { e.tier2 = t } }
func WithAuditor(a Auditor) Option                  { return func(e *Engine) { e.auditor = a } }
func WithVerdictStore(s VerdictStore) Option        { return func(e *Engine) { e.store = s } }
func WithMetrics(m *monitor.Metrics) Option         { return func(e *Engine) { e.metrics = m } }
func WithTracer(t *monitor.Tracer) Option           { return func(e *Engine) { e.tracer = t } }
func WithBudget(b budget.Budget) Option             { return func(e *Engine) { e.budget = b } }
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(e *Engine) { e.cache, e.cacheTTL = c, ttl }
}

// WithScanner enables Tier-1. Without it every request escalates.
func WithScanner(s *fastscan.Scanner) Option {
	return func(e *Engine) { e.scanner = s }
}

// withCloser registers a release func run by Close, in reverse order.
func withCloser(fn func()) Option {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// New starts an engine whose worker pool is sized by cfg.
func New(cfg scheduler.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		matcher:    signature.None{},
		classifier: classifier.Default(),
		thresholds: fastscan.DefaultThresholds(),
		cache:      cache.Nop{},
		budget:     budget.Default(),
		waiting:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = monitor.NewMetrics()
	}
	if e.tracer == nil {
		e.tracer = monitor.NewNoopTracer()
	}
	if e.tier2 != nil {
		if err := e.tier2.Available(); err != nil {
			log.Warn().Err(err).Str("backend", e.tier2.Backend()).
				Msg("tier-2 cannot observe syscalls, running tier-1 and external signals only")
			e.tier2 = nil
		}
	}
	if err := e.budget.Validate(); err != nil {
		return nil, err
	}
	if err := e.thresholds.Validate(); err != nil {
		return nil, err
	}

	sched, err := scheduler.New(cfg, e.handle, scheduler.WithObserver(queueObserver{e.metrics}))
	if err != nil {
		return nil, err
	}
	e.sched = sched

	log.Info().
		Str("budget", e.budget.Preset).
		Bool("tier1", e.scanner != nil).
		Str("tier2", e.Tier2Backend()).
		Msg("analysis engine ready")
	return e, nil
}

// Configure fixes the default budget. It fails once an analysis has run.
func (e *Engine) Configure(b budget.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrConfigured
	}
	e.budget = b
	log.Info().Str("budget", b.Preset).Msg("engine budget configured")
	return nil
}

// ConfigurePreset is Configure with a named preset.
func (e *Engine) ConfigurePreset(name string) error {
	b, err := budget.Preset(name)
	if err != nil {
		return err
	}
	return e.Configure(b)
}

// Budget returns the default budget.
func (e *Engine) Budget() budget.Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget
}

// Tier2Backend names the deep sandbox backend, or "none".
func (e *Engine) Tier2Backend() string {
	if e.tier2 == nil {
		return "none"
	}
	return e.tier2.Backend()
}

// Store returns the audit store, nil when auditing is disabled.
func (e *Engine) Store() VerdictStore {
	return e.store
}

// Telemetry returns a snapshot of the worker pool counters.
func (e *Engine) Telemetry() scheduler.Telemetry {
	return e.sched.Telemetry()
}

// ResetTelemetry zeroes the worker pool counters.
func (e *Engine) ResetTelemetry() {
	e.sched.ResetTelemetry()
}

// Analyze vets content under the configured budget.
func (e *Engine) Analyze(ctx context.Context, content []byte, filename string) (*verdict.Result, error) {
	return e.AnalyzeWithBudget(ctx, content, filename, nil)
}

// AnalyzeWithBudget vets content, using override instead of the default
// budget when it is non-nil. Identical concurrent submissions share one
// analysis. A full queue is not an error: the verdict is a low-confidence
// Clean.
func (e *Engine) AnalyzeWithBudget(ctx context.Context, content []byte, filename string, override *budget.Budget) (*verdict.Result, error) {
	b, err := e.begin(override)
	if err != nil {
		e.metrics.RecordError(KindOf(err).String())
		return nil, err
	}

	sum := SHA256(content)
	ctx, span := e.tracer.StartSpan(ctx, "analyze",
		monitor.AttrSHA256.String(sum),
		monitor.AttrFilename.String(filename),
		monitor.AttrSize.Int(len(content)),
	)
	defer span.End()
	e.metrics.ContentSizeBytes.Observe(float64(len(content)))

	if r, ok := e.cache.Lookup(ctx, sum); ok {
		e.metrics.RecordCache(true)
		out := *r
		out.Cached = true
		out.Stage = verdict.StageCache
		e.metrics.RecordAnalysis(out.Level.String(), string(out.Stage), 0)
		span.SetAttributes(monitor.AttrLevel.String(out.Level.String()))
		log.Debug().Str("sha256", sum[:16]).Str("level", out.Level.String()).Msg("verdict served from cache")
		return &out, nil
	}
	e.metrics.RecordCache(false)

	key := sum + "|" + fmt.Sprint(b)
	f := e.join(withSHA(ctx, sum), key)
	defer e.leave(key, f)

	for {
		ch := e.flights.DoChan(key, func() (any, error) {
			return e.submit(f.ctx, content, filename, b, sum)
		})

		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "caller gave up")
			return nil, &AnalysisError{Kind: KindCancelled, Err: ctx.Err()}
		case res := <-ch:
			// Shared a flight whose waiters had all left before we joined.
			if res.Err != nil && res.Shared && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				ae := classify(res.Err)
				span.RecordError(ae)
				span.SetStatus(codes.Error, ae.Kind.String())
				return nil, ae
			}
			out := *res.Val.(*verdict.Result)
			span.SetAttributes(
				monitor.AttrAnalysisID.String(out.ID),
				monitor.AttrLevel.String(out.Level.String()),
				monitor.AttrTimedOut.Bool(out.TimedOut),
				attribute.Bool("vetbox.shared", res.Shared),
			)
			return &out, nil
		}
	}
}

func (e *Engine) begin(override *budget.Budget) (budget.Budget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return budget.Budget{}, &AnalysisError{Kind: KindClosed, Err: ErrClosed}
	}
	e.started = true
	if override == nil {
		return e.budget, nil
	}
	if err := override.Validate(); err != nil {
		return budget.Budget{}, &AnalysisError{Kind: KindSetupFailed, Err: err}
	}
	return *override, nil
}

// submit enqueues one request and waits for its completion. Cache store and
// audit run on the scheduler's delivery goroutine.
func (e *Engine) submit(ctx context.Context, content []byte, filename string, b budget.Budget, sum string) (*verdict.Result, error) {
	req := scheduler.NewRequest(ctx, content, filename)
	req.Budget = &b
	client := clientFrom(ctx)
	size := int64(len(content))
	req.OnComplete(func(c scheduler.Completion) {
		e.deliver(c, sum, size, client)
	})

	switch err := e.sched.Enqueue(req); {
	case errors.Is(err, scheduler.ErrClosed):
		return nil, &AnalysisError{Kind: KindClosed, Err: err}
	case errors.Is(err, scheduler.ErrQueueFull):
		e.metrics.RecordError(KindQueueFull.String())
	}

	c := <-req.Done()
	if c.Err != nil {
		return nil, c.Err
	}
	out := *c.Result
	if out.SHA256 == "" {
		out.SHA256 = sum
	}
	return &out, nil
}

// deliver runs once per request on the delivery goroutine.
func (e *Engine) deliver(c scheduler.Completion, sum string, size int64, client ClientInfo) {
	r := c.Result
	if c.Err != nil {
		ae := classify(c.Err)
		e.metrics.RecordError(ae.Kind.String())
		if ae.Fallback == nil {
			return
		}
		r = ae.Fallback
	}

	e.metrics.RecordAnalysis(r.Level.String(), string(r.Stage), r.Duration.Seconds())

	if cacheable(r) && c.Err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.cache.Store(ctx, sum, r, e.cacheTTL); err != nil {
			log.Warn().Err(err).Str("sha256", sum[:16]).Msg("caching verdict failed")
		}
		cancel()
	}

	if e.auditor != nil {
		rec := storage.RecordFromResult(r, size)
		rec.SHA256 = sum
		rec.RequestIP = client.IP
		rec.APIKeyHash = client.APIKeyHash
		e.auditor.Log(rec)
	}
}

// cacheable excludes verdicts that no tier produced.
func cacheable(r *verdict.Result) bool {
	switch r.Stage {
	case verdict.StageQueueFull, verdict.StageQueueTimeout, verdict.StageCancelled, verdict.StageCache:
		return false
	}
	return true
}

// Close stops accepting work, lets in-flight analyses finish and releases
// the sandbox, cache and audit resources.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Close()
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	log.Info().Msg("analysis engine stopped")
}

// SHA256 is the hex content hash used as cache and audit key.
func SHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type shaKey struct{}

func withSHA(ctx context.Context, sum string) context.Context {
	return context.WithValue(ctx, shaKey{}, sum)
}

func shaFrom(ctx context.Context, content []byte) string {
	if s, ok := ctx.Value(shaKey{}).(string); ok {
		return s
	}
	return SHA256(content)
}

// ClientInfo identifies the submitter in the audit log.
type ClientInfo struct {
	IP         string
	APIKeyHash string
}

type clientKey struct{}

// WithClient attaches submitter details to ctx for auditing.
func WithClient(ctx context.Context, c ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFrom(ctx context.Context) ClientInfo {
	c, _ := ctx.Value(clientKey{}).(ClientInfo)
	return c
}
