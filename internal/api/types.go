package api

import (
	"time"

	"vetbox/internal/scheduler"
	"vetbox/internal/verdict"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors. Fallback carries the degraded
// verdict when the deep sandbox was unavailable.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	RequestID string          `json:"request_id"`
	Fallback  *verdict.Result `json:"fallback,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string   `json:"status"`
	Tier2    string   `json:"tier2_backend"`
	Database bool     `json:"database"`
	Preset   string   `json:"budget_preset"`
	Uptime   Duration `json:"uptime"`
}

// TelemetryResponse is the scheduler snapshot plus its age.
type TelemetryResponse struct {
	scheduler.Telemetry
	Window Duration `json:"window"`
}
