package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"vetbox/internal/cache"
	"vetbox/internal/classifier"
	"vetbox/internal/config"
	"vetbox/internal/fastscan"
	"vetbox/internal/monitor"
	"vetbox/internal/sandbox"
	"vetbox/internal/signature"
	"vetbox/internal/storage"
)

// Build wires an engine from cfg. Optional parts that cannot start (Tier-1
// module, Tier-2 backend, database) are logged and left out; the engine
// then runs on what remains.
func Build(ctx context.Context, cfg *config.Config, m *monitor.Metrics) (*Engine, error) {
	b, err := cfg.ResolveBudget()
	if err != nil {
		return nil, err
	}

	tracer := monitor.NewNoopTracer()
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}
	opts := []Option{
		WithBudget(b),
		WithThresholds(cfg.Tier1.Thresholds),
		WithMetrics(m),
		WithTracer(tracer),
		WithClassifier(classifier.Default()),
	}
	var closers []func()
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	matcher, err := buildMatcher(cfg.Signatures)
	if err != nil {
		return fail(err)
	}
	opts = append(opts, WithMatcher(matcher))

	if cfg.Tier1.Enabled {
		scanner, err := buildScanner(cfg.Tier1)
		if err != nil {
			log.Error().Err(err).Msg("tier-1 module unusable, every request escalates to tier-2")
		} else {
			opts = append(opts, WithScanner(scanner))
		}
	}

	sb, err := sandbox.Open(ctx, cfg, sandbox.WithEventHook(EventCounter(m)))
	switch {
	case err == nil:
		opts = append(opts, WithTier2(sb))
		closers = append(closers, func() {
			if err := sb.Close(); err != nil {
				log.Error().Err(err).Msg("sandbox close error")
			}
		})
	case cfg.Tier2.Backend == "none":
		log.Info().Msg("tier-2 disabled by configuration")
	default:
		log.Warn().Err(err).Msg("tier-2 sandbox unavailable, running tier-1 and external signals only")
	}

	c, err := buildCache(cfg.Cache)
	if err != nil {
		return fail(err)
	}
	opts = append(opts, WithCache(c, cfg.Cache.TTL))
	closers = append(closers, func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("verdict cache close error")
		}
	})

	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			writer := storage.NewAuditWriter(db, 10000)
			writer.Start()
			opts = append(opts, WithAuditor(writer), WithVerdictStore(db))
			closers = append(closers, db.Close, func() { writer.Flush(10 * time.Second) })
		}
	}

	for _, fn := range closers {
		opts = append(opts, withCloser(fn))
	}
	e, err := New(cfg.Scheduler, opts...)
	if err != nil {
		return fail(err)
	}
	return e, nil
}

func buildMatcher(cfg config.SignatureConfig) (signature.Matcher, error) {
	var multi signature.Multi
	if cfg.HashFile != "" {
		h, err := signature.LoadHashFile(cfg.HashFile)
		if err != nil {
			return nil, err
		}
		multi = append(multi, h)
	}
	if cfg.Patterns {
		multi = append(multi, signature.NewPatternMatcher(cfg.ScanMax))
	}
	if len(multi) == 0 {
		return signature.None{}, nil
	}
	return multi, nil
}

func buildScanner(cfg config.Tier1Config) (*fastscan.Scanner, error) {
	module := fastscan.DefaultModule()
	if cfg.ModulePath != "" {
		m, err := fastscan.LoadFile(cfg.ModulePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fastscan.ErrSetupFailed, err)
		}
		module = m
	}
	return fastscan.NewScanner(module)
}

func buildCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Kind {
	case "memory":
		return cache.NewMemory(cfg.MaxEntries), nil
	case "pebble":
		return cache.OpenPebble(cfg.Path, cfg.CacheBytes)
	default:
		return cache.Nop{}, nil
	}
}
