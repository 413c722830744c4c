//go:build linux

package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"vetbox/internal/budget"
	"vetbox/internal/config"
)

// TestMain lets the test binary double as the init helper, as the server
// binary does.
func TestMain(m *testing.M) {
	if MaybeSandboxInit() {
		return
	}
	os.Exit(m.Run())
}

// openProcessSandbox skips unless strace and unprivileged user namespaces
// are available.
func openProcessSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping process sandbox test in short mode")
	}

	cfg := config.DefaultConfig()
	cfg.Tier2.Backend = "process"
	cfg.Tier2.ScratchRoot = t.TempDir()

	sb, err := Open(context.Background(), cfg)
	if err != nil {
		t.Skipf("process sandbox not available, skipping: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close() })
	return sb
}

func TestProcessSandbox_Samples(t *testing.T) {
	sb := openProcessSandbox(t)
	b := budget.Balanced()
	b.Timeout = 3 * time.Second

	tests := []struct {
		name   string
		script string
		check  func(t *testing.T, r *Result)
	}{
		{
			name:   "benign script",
			script: "#!/bin/sh\necho hello world\n",
			check: func(t *testing.T, r *Result) {
				if r.ExitStatus != 0 || r.TimedOut {
					t.Errorf("exit = %d timed out = %v, want clean exit", r.ExitStatus, r.TimedOut)
				}
				if r.Metrics.Execs < 1 {
					t.Errorf("Execs = %d, want the sample exec observed", r.Metrics.Execs)
				}
			},
		},
		{
			name:   "credential file read is observed",
			script: "#!/bin/sh\ncat /etc/shadow >/dev/null 2>&1\ncat /etc/passwd >/dev/null\n",
			check: func(t *testing.T, r *Result) {
				if r.Metrics.SensitiveAccess < 1 {
					t.Errorf("SensitiveAccess = %d, want at least 1", r.Metrics.SensitiveAccess)
				}
			},
		},
		{
			name:   "write to root filesystem fails",
			script: "#!/bin/sh\necho pwned > /pwned.txt\n",
			check: func(t *testing.T, r *Result) {
				if r.ExitStatus == 0 {
					t.Error("SECURITY: write to / succeeded")
				}
				if _, err := os.Stat("/pwned.txt"); err == nil {
					t.Error("SECURITY: /pwned.txt exists on the host")
				}
			},
		},
		{
			name:   "busy loop is killed at the deadline",
			script: "#!/bin/sh\nwhile :; do :; done\n",
			check: func(t *testing.T, r *Result) {
				if !r.TimedOut || r.ExitStatus != -1 {
					t.Errorf("timed out = %v exit = %d, want killed at deadline", r.TimedOut, r.ExitStatus)
				}
				if r.Duration > b.Timeout+2*time.Second {
					t.Errorf("Duration = %s, want close to %s", r.Duration, b.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := sb.Run(context.Background(), []byte(tt.script), "sample.sh", b)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if r.Metrics.Events == 0 {
				t.Error("no syscall events observed")
			}
			tt.check(t, r)
		})
	}
}
