package monitor

import (
	"context"
	"errors"
	"io"
	"time"
)

// MaxArgs is the number of argument words kept per event.
const MaxArgs = 6

// ErrUnsupported is returned by monitors that cannot observe syscalls on
// this host.
var ErrUnsupported = errors.New("syscall monitoring unsupported on this host")

// SyscallEvent is one observed system call of the Tier-2 child.
type SyscallEvent struct {
	At    time.Time
	PID   int
	Name  string
	Args  []string
	Ret   int64
	Errno string
}

// Failed reports whether the call returned an error.
func (e SyscallEvent) Failed() bool {
	return e.Errno != ""
}

// Arg returns argument i or "" when absent.
func (e SyscallEvent) Arg(i int) string {
	if i < 0 || i >= len(e.Args) {
		return ""
	}
	return e.Args[i]
}

// SyscallMonitor attaches to a child and streams its syscalls.
type SyscallMonitor interface {
	// Name identifies the implementation in logs and telemetry.
	Name() string
	// Available returns ErrUnsupported (possibly wrapped) when the
	// monitor cannot run here.
	Available() error
	// Wrap returns argv prefixed with whatever is needed to trace it,
	// writing the trace to output.
	Wrap(argv []string, output string) []string
	// Stream decodes trace output from r and calls emit for each event
	// until r is exhausted or ctx is done.
	Stream(ctx context.Context, r io.Reader, emit func(SyscallEvent)) error
}
