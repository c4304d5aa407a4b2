package loom

import (
	"strings"
	"time"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/policy"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inflight    prometheus.Gauge
}

// newMetrics creates the broker collectors and registers them with reg when
// it is not nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loom",
				Subsystem: "broker",
				Name:      "invocations_total",
				Help:      "Invocations by capability, routing target, backend and outcome.",
			},
			[]string{"capability", "target", "backend", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "loom",
				Subsystem: "broker",
				Name:      "invocation_duration_seconds",
				Help:      "Wall time of an invocation from receipt to result.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"capability", "target"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "broker",
			Name:      "inflight_invocations",
			Help:      "Invocations currently being served.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.invocations, m.duration, m.inflight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(capability string, target policy.Target, backend string, outcome action.Kind, took time.Duration) {
	t := string(target)
	if t == "" {
		t = "none"
	}
	m.invocations.WithLabelValues(capability, t, kindLabel(backend), outcomeLabel(outcome)).Inc()
	m.duration.WithLabelValues(capability, t).Observe(took.Seconds())
}

func outcomeLabel(k action.Kind) string {
	if k == "" {
		return "ok"
	}
	return string(k)
}

// kindLabel keeps the backend label to its kind so module ids and endpoints do
// not multiply the series.
func kindLabel(backend string) string {
	if backend == "" {
		return "none"
	}
	kind, _, _ := strings.Cut(backend, ":")
	return kind
}
