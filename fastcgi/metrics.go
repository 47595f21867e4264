package fastcgi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. Register them on an engine with
// SetMetrics before serving.
type Metrics struct {
	ConnsActive    prometheus.Gauge
	ConnsTotal     prometheus.Counter
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	Records        *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors. reg may be
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fcgi",
			Name:      "connections_active",
			Help:      "Live upstream connections.",
		}),
		ConnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fcgi",
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fcgi",
			Name:      "sessions_active",
			Help:      "Live sessions across all connections.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fcgi",
			Name:      "sessions_total",
			Help:      "Sessions begun since start.",
		}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcgi",
			Name:      "records_total",
			Help:      "Records by direction and type.",
		}, []string{"direction", "type"}),
	}

	reg.MustRegister(m.ConnsActive, m.ConnsTotal, m.SessionsActive, m.SessionsTotal, m.Records)

	return m
}
