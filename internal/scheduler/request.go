package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vetbox/internal/budget"
	"vetbox/internal/verdict"
)

// Size class boundaries. Smaller classes are served first.
const (
	classSmall  = 64 << 10
	classMedium = 1 << 20
	classLarge  = 16 << 20
)

// SizeClass returns the priority class of a payload of n bytes (0 is highest).
func SizeClass(n int) int {
	switch {
	case n < classSmall:
		return 0
	case n < classMedium:
		return 1
	case n < classLarge:
		return 2
	default:
		return 3
	}
}

// Completion is the single outcome delivered for a request.
type Completion struct {
	Result *verdict.Result
	Err    error
}

// Request is one analysis submission. Fields are fixed once Enqueue has
// accepted it.
type Request struct {
	ID       string
	Content  []byte
	Filename string
	// Budget overrides the scheduler default when non-nil.
	Budget *budget.Budget

	ctx        context.Context
	enqueuedAt time.Time
	class      int
	seq        uint64
	vtime      time.Time
	index      int
	stopCancel func() bool

	done     chan Completion
	callback func(Completion)
}

// NewRequest builds a request. ctx only governs whether the request may still
// be dropped while queued; it does not cancel a running analysis.
func NewRequest(ctx context.Context, content []byte, filename string) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		ID:       uuid.New().String(),
		Content:  content,
		Filename: filename,
		ctx:      ctx,
		class:    SizeClass(len(content)),
		index:    -1,
		done:     make(chan Completion, 1),
	}
}

// OnComplete registers fn to run on the delivery goroutine after the
// completion is published. Must be called before Enqueue.
func (r *Request) OnComplete(fn func(Completion)) {
	r.callback = fn
}

// Done receives exactly one Completion.
func (r *Request) Done() <-chan Completion {
	return r.done
}

// Class is the request's size class.
func (r *Request) Class() int {
	return r.class
}

// EnqueuedAt is when Enqueue accepted or rejected the request.
func (r *Request) EnqueuedAt() time.Time {
	return r.enqueuedAt
}

// Context returns the submitter's context.
func (r *Request) Context() context.Context {
	return r.ctx
}

// Wait blocks for the completion or until ctx is done. A caller that gives
// up leaves the completion in the buffered channel; nothing else happens.
func (r *Request) Wait(ctx context.Context) (Completion, error) {
	select {
	case c := <-r.done:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}
