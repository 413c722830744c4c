package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vetbox/internal/behavior"
	"vetbox/internal/verdict"
)

func TestRecordFromResult(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &verdict.Result{
		ID:         "a1",
		SHA256:     "ab12",
		Filename:   "setup.sh",
		Level:      verdict.Malicious,
		Confidence: 0.8,
		Composite:  0.65,
		Components: verdict.Components{Static: 0.4, ML: 0.2, Behavioral: 0.05},
		Stage:      verdict.StageTier2,
		TimedOut:   true,
		ExitStatus: -1,
		Behaviors:  []string{"network: 3 sockets"},
		Duration:   1500 * time.Millisecond,
		Metrics:    &behavior.Metrics{Events: 12},
		CreatedAt:  created,
	}

	rec := RecordFromResult(r, 2048)

	if rec.Level != "malicious" {
		t.Errorf("Level = %q, want malicious", rec.Level)
	}
	if rec.Stage != "tier2" {
		t.Errorf("Stage = %q, want tier2", rec.Stage)
	}
	if rec.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", rec.DurationMS)
	}
	if rec.SizeBytes != 2048 {
		t.Errorf("SizeBytes = %d, want 2048", rec.SizeBytes)
	}
	if rec.Rules == nil {
		t.Error("Rules = nil, want empty slice for the NOT NULL array column")
	}
	if rec.Metrics == nil || rec.Metrics.Events != 12 {
		t.Errorf("Metrics = %+v, want Events 12", rec.Metrics)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, created)
	}
	if !rec.TimedOut || rec.ExitStatus != -1 {
		t.Errorf("TimedOut/ExitStatus = %v/%d, want true/-1", rec.TimedOut, rec.ExitStatus)
	}
}

func TestTruncateForDB(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 7, "this is"},
	}
	for _, tt := range tests {
		if got := truncateForDB(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateForDB(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []string
}

func (f *fakeRecorder) LogVerdict(_ context.Context, rec *VerdictRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.written = append(f.written, rec.ID)
	return nil
}

func TestAuditWriter_FlushDrains(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewAuditWriter(rec, 16)
	w.Start()

	for _, id := range []string{"a", "b", "c"} {
		w.Log(&VerdictRecord{ID: id})
	}
	w.Flush(5 * time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.written) != 3 {
		t.Errorf("written = %v, want 3 records", rec.written)
	}
}

func TestAuditWriter_Retries(t *testing.T) {
	rec := &fakeRecorder{failures: 2}
	w := NewAuditWriter(rec, 4)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&VerdictRecord{ID: "retry"})
	w.Flush(5 * time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls != 3 {
		t.Errorf("calls = %d, want 3", rec.calls)
	}
	if len(rec.written) != 1 {
		t.Errorf("written = %v, want the record after retries", rec.written)
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewAuditWriter(rec, 1)

	w.Log(&VerdictRecord{ID: "kept"})
	w.Log(&VerdictRecord{ID: "dropped"})

	w.Start()
	w.Flush(5 * time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.written) != 1 || rec.written[0] != "kept" {
		t.Errorf("written = %v, want [kept]", rec.written)
	}
}
