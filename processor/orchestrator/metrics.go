package orchestrator

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/docflow/workflow"
)

// Metrics counts orchestrator activity. A nil *Metrics records nothing.
type Metrics struct {
	queued    *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	cascades  prometheus.Counter
	conflicts prometheus.Counter
	replies   *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "tasks_queued_total",
			Help:      "Tasks published to the task queue.",
		}, []string{"key"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "callbacks_total",
			Help:      "Worker replies applied, by reported state.",
		}, []string{"state"}),
		cascades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "cascade_runs_total",
			Help:      "Sibling runs triggered by a worker reply.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "assignment_conflicts_total",
			Help:      "Assignments rejected because the task was already assigned.",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "replies_received_total",
			Help:      "Messages read from the response stream, by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{m.queued, m.callbacks, m.cascades, m.conflicts, m.replies} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) taskQueued(key string) {
	if m != nil {
		m.queued.WithLabelValues(key).Inc()
	}
}

func (m *Metrics) callback(s workflow.State) {
	if m != nil {
		m.callbacks.WithLabelValues(strconv.Itoa(int(s))).Inc()
	}
}

func (m *Metrics) cascadeRun() {
	if m != nil {
		m.cascades.Inc()
	}
}

func (m *Metrics) assignConflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) reply(outcome string) {
	if m != nil {
		m.replies.WithLabelValues(outcome).Inc()
	}
}
