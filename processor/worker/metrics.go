package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts worker activity.
type Metrics struct {
	received prometheus.Counter
	outcomes *prometheus.CounterVec
	settled  *prometheus.CounterVec
}

// NewMetrics creates worker metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer, queueName string) (*Metrics, error) {
	labels := prometheus.Labels{"queue": queueName}
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "docflow",
			Subsystem:   "worker",
			Name:        "messages_received_total",
			Help:        "Task messages taken from the queue.",
			ConstLabels: labels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docflow",
			Subsystem:   "worker",
			Name:        "outcomes_total",
			Help:        "Message outcomes by kind.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docflow",
			Subsystem:   "worker",
			Name:        "settlements_total",
			Help:        "Transport settlements by action and result.",
			ConstLabels: labels,
		}, []string{"action", "result"}),
	}
	for _, c := range []prometheus.Collector{m.received, m.outcomes, m.settled} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) messageReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) outcome(kind string) {
	if m != nil {
		m.outcomes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) settlement(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.settled.WithLabelValues(action, result).Inc()
}
