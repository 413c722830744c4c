package api

import (
	"encoding/json"
	"testing"
	"time"

	"vetbox/internal/scheduler"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"1m"`, time.Minute, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestTelemetryResponse_FlatJSON(t *testing.T) {
	resp := TelemetryResponse{
		Telemetry: scheduler.Telemetry{Completed: 4, QueueFullRejected: 1, Workers: 2},
		Window:    Duration{Duration: time.Minute},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["completed"] != 4.0 || got["queue_full_rejected"] != 1.0 || got["workers"] != 2.0 {
		t.Errorf("counters = %v, want flattened scheduler fields", got)
	}
	if got["window"] != "1m0s" {
		t.Errorf("window = %v, want 1m0s", got["window"])
	}
}
