//go:build !linux

package sandbox

import (
	"fmt"
	"runtime"

	"vetbox/internal/config"
)

func newProcessBackend(config.Tier2Config) (Backend, error) {
	return nil, fmt.Errorf("%w: process backend needs linux, running on %s", ErrSandboxUnavailable, runtime.GOOS)
}

// MaybeSandboxInit is a no-op off Linux.
func MaybeSandboxInit() bool {
	return false
}
