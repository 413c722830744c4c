package scheduler

import "time"

// Telemetry is a snapshot of the worker pool counters.
type Telemetry struct {
	Completed         uint64    `json:"completed"`
	Failed            uint64    `json:"failed"`
	TimedOut          uint64    `json:"timed_out"`
	QueueFullRejected uint64    `json:"queue_full_rejected"`
	QueueDepth        int       `json:"queue_depth"`
	Running           int       `json:"running"`
	Workers           int       `json:"workers"`
	Capacity          int       `json:"capacity"`
	Since             time.Time `json:"since"`
}

// Observer receives scheduler events as they happen, after the lock is
// released. Used to mirror telemetry into Prometheus.
type Observer interface {
	QueueDepth(n int)
	Rejected()
}

type nopObserver struct{}

func (nopObserver) QueueDepth(int) {}
func (nopObserver) Rejected()      {}
