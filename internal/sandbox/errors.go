package sandbox

import (
	"errors"
	"fmt"
)

// A deadline hit is not an error here: Run reports it as Result.TimedOut.
var (
	ErrSandboxUnavailable = errors.New("tier-2 sandbox unavailable")
	ErrSetupFailed        = errors.New("sandbox setup failed")
	ErrBackendClosed      = errors.New("sandbox backend closed")
	ErrInvalidLimits      = errors.New("invalid resource limits")
)

// ExecutionError tags a Tier-2 failure with the execution and the step
// that failed.
type ExecutionError struct {
	ID  string
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether Tier-2 cannot run on this host at all, as
// opposed to one execution failing.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrSandboxUnavailable)
}
