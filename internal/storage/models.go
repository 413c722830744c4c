package storage

import (
	"time"

	"vetbox/internal/behavior"
	"vetbox/internal/verdict"
)

// VerdictRecord is one audited analysis.
type VerdictRecord struct {
	ID         string            `json:"id" db:"id"`
	SHA256     string            `json:"sha256" db:"sha256"`
	Filename   string            `json:"filename" db:"filename"`
	SizeBytes  int64             `json:"size_bytes" db:"size_bytes"`
	Level      string            `json:"level" db:"level"`
	Confidence float64           `json:"confidence" db:"confidence"`
	Composite  float64           `json:"composite" db:"composite"`
	Static     float64           `json:"static" db:"static_component"`
	ML         float64           `json:"ml" db:"ml_component"`
	Behavioral float64           `json:"behavioral" db:"behavioral_component"`
	Stage      string            `json:"stage" db:"stage"`
	TimedOut   bool              `json:"timed_out" db:"timed_out"`
	ExitStatus int               `json:"exit_status" db:"exit_status"`
	Rules      []string          `json:"triggered_rules" db:"triggered_rules"`
	Behaviors  []string          `json:"behaviors" db:"behaviors"`
	Metrics    *behavior.Metrics `json:"metrics,omitempty" db:"metrics"`
	DurationMS int64             `json:"duration_ms" db:"duration_ms"`
	RequestIP  string            `json:"request_ip,omitempty" db:"request_ip"`
	APIKeyHash string            `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// VerdictFilter provides criteria for querying verdicts.
type VerdictFilter struct {
	Level  string
	Stage  string
	Since  *time.Time
	Limit  int
	Offset int
}

// RecordFromResult flattens a verdict for the audit table.
func RecordFromResult(r *verdict.Result, size int64) *VerdictRecord {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &VerdictRecord{
		ID:         r.ID,
		SHA256:     r.SHA256,
		Filename:   r.Filename,
		SizeBytes:  size,
		Level:      r.Level.String(),
		Confidence: r.Confidence,
		Composite:  r.Composite,
		Static:     r.Components.Static,
		ML:         r.Components.ML,
		Behavioral: r.Components.Behavioral,
		Stage:      string(r.Stage),
		TimedOut:   r.TimedOut,
		ExitStatus: r.ExitStatus,
		Rules:      nonNil(r.TriggeredRules),
		Behaviors:  nonNil(r.Behaviors),
		Metrics:    r.Metrics,
		DurationMS: r.Duration.Milliseconds(),
		CreatedAt:  created,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
