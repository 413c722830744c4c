package engine

import (
	"context"
	"errors"
	"fmt"

	"vetbox/internal/scheduler"
	"vetbox/internal/verdict"
)

var (
	// ErrConfigured is returned by Configure once the first analysis ran.
	ErrConfigured = errors.New("engine budget is fixed after first use")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// ErrorKind classifies analysis failures for callers and metrics.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindQueueFull
	KindTimeout
	KindSandboxUnavailable
	KindSetupFailed
	KindCancelled
	KindClosed
)

var kindNames = [...]string{
	"internal",
	"queue_full",
	"timeout",
	"sandbox_unavailable",
	"setup_failed",
	"cancelled",
	"closed",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// AnalysisError is a terminal failure of one analysis. For
// KindSandboxUnavailable, Fallback holds the verdict computed from the
// static, classifier and tier-1 signals so the caller can degrade.
type AnalysisError struct {
	Kind     ErrorKind
	Err      error
	Fallback *verdict.Result
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed (%s): %v", e.Kind, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, KindInternal when it is not classified.
func KindOf(err error) ErrorKind {
	var ae *AnalysisError
	switch {
	case errors.As(err, &ae):
		return ae.Kind
	case errors.Is(err, scheduler.ErrClosed), errors.Is(err, ErrClosed):
		return KindClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// classify wraps err as an AnalysisError unless it already is one.
func classify(err error) *AnalysisError {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae
	}
	return &AnalysisError{Kind: KindOf(err), Err: err}
}
