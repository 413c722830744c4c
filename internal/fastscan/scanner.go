package fastscan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vetbox/internal/budget"
)

// ElevatedScore is reported when a run is cut short by a resource limit.
const ElevatedScore = 0.5

// Outcome describes how a Tier-1 run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFuelExhausted
	OutcomeMemoryExhausted
	OutcomeStackOverflow
	OutcomeDeadlineExceeded
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFuelExhausted:
		return "fuel_exhausted"
	case OutcomeMemoryExhausted:
		return "memory_exhausted"
	case OutcomeStackOverflow:
		return "stack_overflow"
	case OutcomeDeadlineExceeded:
		return "deadline_exceeded"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalText lets outcomes appear by name in JSON results.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for c := OutcomeCompleted; c <= OutcomeSkipped; c++ {
		if c.String() == string(b) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown tier-1 outcome %q", b)
}

// LimitHit reports whether the run was cut short by a budget ceiling.
func (o Outcome) LimitHit() bool {
	return o >= OutcomeFuelExhausted && o <= OutcomeDeadlineExceeded
}

// Report is the result of one Tier-1 run.
type Report struct {
	Score        float64       `json:"score"`
	MatchedRules []string      `json:"matched_rules,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	FuelUsed     uint64        `json:"fuel_used"`
	PeakMemory   uint64        `json:"peak_memory"`
	Duration     time.Duration `json:"duration"`
}

// Decision is what the orchestrator does after Tier-1.
type Decision int

const (
	Escalate Decision = iota
	ShortCircuitClean
	ShortCircuitMalicious
)

func (d Decision) String() string {
	switch d {
	case ShortCircuitClean:
		return "short_circuit_clean"
	case ShortCircuitMalicious:
		return "short_circuit_malicious"
	default:
		return "escalate"
	}
}

// Thresholds bound the short-circuit decisions.
type Thresholds struct {
	Clean     float64 `yaml:"clean"`
	Malicious float64 `yaml:"malicious"`
}

// DefaultThresholds returns the stock short-circuit bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{Clean: 0.30, Malicious: 0.70}
}

// Validate checks 0 <= Clean <= Malicious <= 1.
func (t Thresholds) Validate() error {
	if t.Clean < 0 || t.Malicious > 1 || t.Clean > t.Malicious {
		return fmt.Errorf("tier-1 thresholds must satisfy 0 <= clean (%.2f) <= malicious (%.2f) <= 1", t.Clean, t.Malicious)
	}
	return nil
}

// Decide maps a report onto a decision. Runs that hit a limit always escalate.
func (t Thresholds) Decide(r Report) Decision {
	if r.Outcome != OutcomeCompleted {
		return Escalate
	}
	switch {
	case r.Score < t.Clean:
		return ShortCircuitClean
	case r.Score > t.Malicious:
		return ShortCircuitMalicious
	default:
		return Escalate
	}
}

// Scanner runs one validated module against file contents.
type Scanner struct {
	module *Module
}

// NewScanner validates m and wraps it.
func NewScanner(m *Module) (*Scanner, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil module", ErrSetupFailed)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	return &Scanner{module: m}, nil
}

// Module returns the module the scanner runs.
func (s *Scanner) Module() *Module {
	return s.module
}

// Run executes the module against content under b. Limit violations are
// reported through Report.Outcome with ElevatedScore and a nil error. A
// non-nil error means Tier-1 could not produce a signal at all.
func (s *Scanner) Run(ctx context.Context, content []byte, b budget.Budget) (Report, error) {
	start := time.Now()
	deadline := start.Add(b.Tier1Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m, err := newMachine(s.module, content, limits{
		fuel:       b.Fuel,
		maxMemory:  b.MaxMemoryBytes,
		maxDepth:   b.MaxCallDepth,
		stackSlots: b.StackSlots(),
		maxMatches: b.MaxTables,
		deadline:   deadline,
	})
	if err != nil {
		return Report{Outcome: OutcomeSkipped}, err
	}

	runErr := m.run(ctx)
	res := m.result()
	report := Report{
		Score:        float64(res.score) / 1000,
		MatchedRules: s.ruleNames(res.matched),
		Outcome:      OutcomeCompleted,
		FuelUsed:     res.fuelUsed,
		PeakMemory:   res.peakMem,
		Duration:     time.Since(start),
	}

	switch {
	case runErr == nil:
		return report, nil
	case errors.Is(runErr, ErrFuelExhausted):
		report.Outcome = OutcomeFuelExhausted
	case errors.Is(runErr, ErrMemoryExhausted):
		report.Outcome = OutcomeMemoryExhausted
	case errors.Is(runErr, ErrStackOverflow):
		report.Outcome = OutcomeStackOverflow
	case errors.Is(runErr, ErrDeadline), errors.Is(runErr, context.DeadlineExceeded):
		report.Outcome = OutcomeDeadlineExceeded
	default:
		report.Outcome = OutcomeSkipped
		report.Score = 0
		return report, runErr
	}
	report.Score = ElevatedScore
	return report, nil
}

func (s *Scanner) ruleNames(idx []int) []string {
	if len(idx) == 0 {
		return nil
	}
	names := make([]string, len(idx))
	for i, r := range idx {
		names[i] = s.module.Rules[r]
	}
	return names
}
