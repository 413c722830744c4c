package monitor

import (
	"context"
	"fmt"
	"io"
)

// UnsupportedMonitor stands in on hosts where syscalls cannot be observed.
// The engine sees Available fail and runs without Tier-2.
type UnsupportedMonitor struct {
	Reason string
}

func (u UnsupportedMonitor) Name() string { return "unsupported" }

func (u UnsupportedMonitor) Available() error {
	if u.Reason == "" {
		return ErrUnsupported
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, u.Reason)
}

func (u UnsupportedMonitor) Wrap(argv []string, _ string) []string { return argv }

func (u UnsupportedMonitor) Stream(_ context.Context, _ io.Reader, _ func(SyscallEvent)) error {
	return u.Available()
}
