package collector

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the self-metrics of the collector.
type Metrics struct {
	exchanges  *prometheus.CounterVec
	recordings prometheus.Counter
	faults     prometheus.Counter
	errors     *prometheus.CounterVec
	recordLag  prometheus.Histogram
}

// NewMetrics registers the collector metrics on reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqorder",
			Name:      "exchanges_total",
			Help:      "Count of observed request/response cycles by status class",
		}, []string{"class"}),
		recordings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqorder",
			Name:      "recorded_requests_total",
			Help:      "Count of requests captured verbatim",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqorder",
			Name:      "exceptions_total",
			Help:      "Count of recorded exception occurrences",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqorder",
			Name:      "telemetry_errors_total",
			Help:      "Count of telemetry failures by stage",
		}, []string{"stage"}),
		recordLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reqorder",
			Name:      "statistics_write_seconds",
			Help:      "Time spent folding one exchange into the statistic buckets",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
	if reg == nil {
		return m
	}

	m.exchanges = register(reg, m.exchanges)
	m.recordings = register(reg, m.recordings)
	m.faults = register(reg, m.faults)
	m.errors = register(reg, m.errors)
	m.recordLag = register(reg, m.recordLag)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}
