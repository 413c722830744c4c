package fastscan

import "errors"

// Limit violations. These are signals about the input, not system faults.
var (
	ErrFuelExhausted   = errors.New("fuel exhausted")
	ErrMemoryExhausted = errors.New("linear memory exhausted")
	ErrStackOverflow   = errors.New("stack overflow")
	ErrDeadline        = errors.New("tier-1 deadline exceeded")
)

// System faults. The caller skips Tier-1 when it sees one of these.
var (
	ErrSetupFailed   = errors.New("tier-1 setup failed")
	ErrInvalidModule = errors.New("invalid analysis module")
	ErrFault         = errors.New("module fault")
)

