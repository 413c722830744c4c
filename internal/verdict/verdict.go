// Package verdict fuses the static, classifier and behavioural signals into
// a ThreatLevel. Decisions are pure functions of their inputs.
package verdict

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"vetbox/internal/behavior"
	"vetbox/internal/fastscan"
)

// ThreatLevel is the ordinal verdict.
type ThreatLevel int

const (
	Clean ThreatLevel = iota
	Suspicious
	Malicious
	Critical
)

var levelNames = [...]string{"clean", "suspicious", "malicious", "critical"}

func (l ThreatLevel) String() string {
	if l >= Clean && l <= Critical {
		return levelNames[l]
	}
	return "unknown"
}

func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *ThreatLevel) UnmarshalText(b []byte) error {
	for i, name := range levelNames {
		if strings.EqualFold(name, string(b)) {
			*l = ThreatLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown threat level %q", b)
}

// Signal weights of the composite score.
const (
	WeightStatic     = 0.40
	WeightML         = 0.35
	WeightBehavioral = 0.25
)

// Level thresholds. Each bucket has a closed lower bound.
const (
	SuspiciousAt = 0.30
	MaliciousAt  = 0.60
	CriticalAt   = 0.85
)

// LevelFor maps a composite score onto a level.
func LevelFor(composite float64) ThreatLevel {
	switch {
	case composite >= CriticalAt:
		return Critical
	case composite >= MaliciousAt:
		return Malicious
	case composite >= SuspiciousAt:
		return Suspicious
	default:
		return Clean
	}
}

// Stage records where the pipeline reached its decision.
//
// StageTier1Clean only means Tier-2 was skipped: the level still comes
// from the composite, so a confident classifier can make it Suspicious.
// StageTier1Malicious also floors the level at Malicious.
type Stage string

const (
	StageCache          Stage = "cache"
	StageQueueFull      Stage = "queue_full"
	StageQueueTimeout   Stage = "queue_timeout"
	StageCancelled      Stage = "cancelled"
	StageTier1Clean     Stage = "tier1_clean"
	StageTier1Malicious Stage = "tier1_malicious"
	StageTier2          Stage = "tier2"
	StageExternalOnly   Stage = "external_only"
)

// Components are the weighted contributions to the composite score.
type Components struct {
	Static     float64 `json:"static"`
	ML         float64 `json:"ml"`
	Behavioral float64 `json:"behavioral"`
}

// Result is the outcome of one analysis.
type Result struct {
	ID       string `json:"id"`
	SHA256   string `json:"sha256"`
	Filename string `json:"filename"`

	Level          ThreatLevel `json:"level"`
	Confidence     float64     `json:"confidence"`
	Composite      float64     `json:"composite"`
	Components     Components  `json:"components"`
	TriggeredRules []string    `json:"triggered_rules,omitempty"`
	Behaviors      []string    `json:"behaviors,omitempty"`

	Stage      Stage         `json:"stage"`
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timed_out"`
	ExitStatus int           `json:"exit_status"`

	Tier1   *fastscan.Report  `json:"tier1,omitempty"`
	Metrics *behavior.Metrics `json:"metrics,omitempty"`

	Cached    bool      `json:"cached,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Signals are the inputs of one decision.
type Signals struct {
	StaticMatch     bool
	MLProbability   float64
	BehavioralScore float64
	TimedOut        bool

	// Floor is the lowest level the result may have (tier-1 short-circuit,
	// resource exhaustion).
	Floor ThreatLevel

	Rules     []string
	Behaviors []string
}

// Decide is the four-signal form of DecideSignals.
func Decide(staticMatch bool, mlProbability, behavioralScore float64, timedOut bool) Result {
	return DecideSignals(Signals{
		StaticMatch:     staticMatch,
		MLProbability:   mlProbability,
		BehavioralScore: behavioralScore,
		TimedOut:        timedOut,
	})
}

// DecideSignals fuses s into a Result. A static match forces Malicious
// whatever the other signals say; otherwise the weighted composite picks the
// level, raised to Suspicious on timeout. s.Floor applies in both cases and
// is the only way to reach Critical on a static match.
func DecideSignals(s Signals) Result {
	static := 0.0
	if s.StaticMatch {
		static = 1
	}
	ml := unit(s.MLProbability)
	beh := unit(s.BehavioralScore)

	c := Components{
		Static:     round6(WeightStatic * static),
		ML:         round6(WeightML * ml),
		Behavioral: round6(WeightBehavioral * beh),
	}
	composite := round6(c.Static + c.ML + c.Behavioral)

	r := Result{
		Composite:      composite,
		Components:     c,
		TimedOut:       s.TimedOut,
		TriggeredRules: slices.Clone(s.Rules),
		Behaviors:      slices.Clone(s.Behaviors),
	}

	floor := min(max(s.Floor, Clean), Critical)

	if s.StaticMatch {
		r.Level = max(Malicious, floor)
		r.Confidence = 1
		r.Behaviors = append(r.Behaviors, "static signature match")
		return r
	}

	r.Level = LevelFor(composite)
	if s.TimedOut {
		r.Level = max(r.Level, Suspicious)
		r.Behaviors = append(r.Behaviors, "execution exceeded its deadline and was killed")
	}
	r.Level = max(r.Level, floor)
	r.Confidence = Confidence(static, ml, beh)
	return r
}

// Confidence is one minus the spread (max - min) of the signals.
func Confidence(signals ...float64) float64 {
	if len(signals) == 0 {
		return 0
	}
	lo, hi := signals[0], signals[0]
	for _, v := range signals[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return round6(1 - (hi - lo))
}

func unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}

// round6 removes float noise so that bucket bounds are hit exactly.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// LowConfidence is reported for verdicts that no tier produced.
const LowConfidence = 0.1

// Unanalyzed is the verdict for a request the pipeline answered without
// running it (queue full, queue-wait timeout).
func Unanalyzed(level ThreatLevel, stage Stage, reason string) Result {
	return Result{
		Level:      level,
		Confidence: LowConfidence,
		Stage:      stage,
		TimedOut:   stage == StageQueueTimeout,
		Behaviors:  []string{reason},
	}
}
