package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"vetbox/internal/behavior"
	"vetbox/internal/budget"
	"vetbox/internal/fastscan"
	"vetbox/internal/monitor"
	"vetbox/internal/sandbox"
	"vetbox/internal/scheduler"
	"vetbox/internal/verdict"
)

// handle is the scheduler handler: external signals, Tier-1 inline, then
// Tier-2 unless Tier-1 short-circuited.
func (e *Engine) handle(ctx context.Context, req *scheduler.Request) (*verdict.Result, error) {
	b := e.Budget()
	if req.Budget != nil {
		b = *req.Budget
	}
	start := time.Now()
	sum := shaFrom(ctx, req.Content)
	logger := log.With().
		Str("analysis_id", req.ID).
		Str("sha256", sum[:16]).
		Str("filename", req.Filename).
		Logger()

	staticMatch, rules := e.matcher.Match(req.Content)
	sig := verdict.Signals{
		StaticMatch:   staticMatch,
		MLProbability: e.classifier.Predict(req.Content),
		Rules:         rules,
	}
	stage := verdict.StageExternalOnly
	escalate := true

	var report *fastscan.Report
	if e.scanner != nil {
		rep := e.runTier1(ctx, req.Content, b, logger)
		report = &rep
		sig.BehavioralScore = rep.Score
		for _, r := range rep.MatchedRules {
			sig.Rules = append(sig.Rules, "tier1:"+r)
		}
		if rep.Outcome.LimitHit() {
			sig.Floor = max(sig.Floor, verdict.Suspicious)
			sig.Behaviors = append(sig.Behaviors, "tier-1 "+rep.Outcome.String()+": resource limit hit")
		}

		switch e.thresholds.Decide(rep) {
		case fastscan.ShortCircuitClean:
			// Skips tier-2 without capping the level.
			stage, escalate = verdict.StageTier1Clean, false
		case fastscan.ShortCircuitMalicious:
			stage, escalate = verdict.StageTier1Malicious, false
			sig.Floor = max(sig.Floor, verdict.Malicious)
		}
	}

	var t2 *sandbox.Result
	if escalate && e.tier2 != nil {
		res, err := e.runTier2(ctx, req, b, start, logger)
		switch {
		case err == nil:
			t2 = res
			stage = verdict.StageTier2
			applyTier2(&sig, res)
		case sandbox.IsUnavailable(err) || errors.Is(err, sandbox.ErrBackendClosed):
			logger.Error().Err(err).Msg("tier-2 sandbox unavailable")
			fallback := e.decide(ctx, req, sig, stage, report, nil, start, sum)
			return nil, &AnalysisError{Kind: KindSandboxUnavailable, Err: err, Fallback: fallback}
		default:
			logger.Error().Err(err).Msg("tier-2 setup failed, skipping tier")
			e.metrics.RecordError(KindSetupFailed.String())
			sig.Behaviors = append(sig.Behaviors, "tier-2 skipped: sandbox setup failed")
		}
	}

	r := e.decide(ctx, req, sig, stage, report, t2, start, sum)
	logger.Info().
		Str("level", r.Level.String()).
		Str("stage", string(r.Stage)).
		Float64("composite", r.Composite).
		Float64("confidence", r.Confidence).
		Bool("timed_out", r.TimedOut).
		Dur("duration", r.Duration).
		Msg("analysis complete")
	return r, nil
}

// runTier1 never fails: a setup failure is reported as OutcomeSkipped.
func (e *Engine) runTier1(ctx context.Context, content []byte, b budget.Budget, logger zerolog.Logger) fastscan.Report {
	ctx, span := e.tracer.StartSpan(ctx, "tier1")
	defer span.End()

	rep, err := e.scanner.Run(ctx, content, b)
	if err != nil {
		logger.Error().Err(err).Msg("tier-1 setup failed, skipping tier")
		e.metrics.RecordError(KindSetupFailed.String())
		rep = fastscan.Report{Outcome: fastscan.OutcomeSkipped, Duration: rep.Duration}
	}

	e.metrics.Tier1Outcomes.WithLabelValues(rep.Outcome.String()).Inc()
	e.metrics.RecordTier("tier1", rep.Duration.Seconds())
	span.SetAttributes(
		monitor.AttrTier1Result.String(rep.Outcome.String()),
		attribute.Float64("vetbox.tier1.score", rep.Score),
		attribute.Int64("vetbox.tier1.fuel_used", int64(rep.FuelUsed)),
	)
	logger.Debug().
		Str("outcome", rep.Outcome.String()).
		Float64("score", rep.Score).
		Uint64("fuel_used", rep.FuelUsed).
		Msg("tier-1 finished")
	if rep.Outcome.LimitHit() {
		logger.Warn().Str("outcome", rep.Outcome.String()).Msg("tier-1 resource limit hit")
	}
	return rep
}

// runTier2 gives the deep sandbox whatever is left of the budget's
// wall-clock ceiling.
func (e *Engine) runTier2(ctx context.Context, req *scheduler.Request, b budget.Budget, start time.Time, logger zerolog.Logger) (*sandbox.Result, error) {
	ctx, span := e.tracer.StartSpan(ctx, "tier2")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.Timeout-time.Since(start))
	defer cancel()

	e.metrics.ActiveTier2.Inc()
	res, err := e.tier2.Run(ctx, req.Content, req.Filename, b)
	e.metrics.ActiveTier2.Dec()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.metrics.RecordTier("tier2", res.Duration.Seconds())
	if res.TimedOut {
		e.metrics.Tier2Timeouts.Inc()
	}
	span.SetAttributes(
		monitor.AttrExitCode.Int(res.ExitStatus),
		monitor.AttrTimedOut.Bool(res.TimedOut),
		attribute.Int("vetbox.tier2.events", res.Metrics.Events),
	)
	logger.Debug().
		Str("launcher", res.Launcher).
		Int("events", res.Metrics.Events).
		Bool("timed_out", res.TimedOut).
		Msg("tier-2 finished")
	return res, nil
}

// applyTier2 replaces the Tier-1 behavioural signal with the observed one.
func applyTier2(sig *verdict.Signals, res *sandbox.Result) {
	score := behavior.Evaluate(res.Metrics)
	sig.BehavioralScore = score.Value
	sig.TimedOut = res.TimedOut
	sig.Behaviors = append(sig.Behaviors, score.Explanations...)
	if res.Metrics.CodeInjection {
		sig.Floor = max(sig.Floor, verdict.Critical)
		sig.Behaviors = append(sig.Behaviors, "code injection into another process")
	}
}

func (e *Engine) decide(ctx context.Context, req *scheduler.Request, sig verdict.Signals, stage verdict.Stage,
	report *fastscan.Report, t2 *sandbox.Result, start time.Time, sum string,
) *verdict.Result {
	_, span := e.tracer.StartSpan(ctx, "verdict")
	defer span.End()

	r := verdict.DecideSignals(sig)
	r.ID = req.ID
	r.SHA256 = sum
	r.Filename = req.Filename
	r.Stage = stage
	r.Tier1 = report
	if t2 != nil {
		m := t2.Metrics
		r.Metrics = &m
		r.ExitStatus = t2.ExitStatus
	}
	r.Duration = time.Since(start)
	r.CreatedAt = time.Now().UTC()

	span.SetAttributes(
		monitor.AttrLevel.String(r.Level.String()),
		attribute.Float64("vetbox.composite", r.Composite),
	)
	return &r
}
