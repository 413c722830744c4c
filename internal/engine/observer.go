package engine

import (
	"vetbox/internal/behavior"
	"vetbox/internal/monitor"
)

// queueObserver mirrors scheduler events into Prometheus.
type queueObserver struct {
	m *monitor.Metrics
}

func (o queueObserver) QueueDepth(n int) { o.m.QueueDepth.Set(float64(n)) }
func (o queueObserver) Rejected()        { o.m.QueueRejections.Inc() }

// EventCounter returns a sandbox event hook counting syscalls per category.
func EventCounter(m *monitor.Metrics) func(behavior.Category) {
	return func(c behavior.Category) {
		m.SyscallEvents.WithLabelValues(c.String()).Inc()
	}
}
