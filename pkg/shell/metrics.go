package shell

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of an AsyncShell.
type Metrics struct {
	LiveProcesses   prometheus.Gauge
	Responses       *prometheus.CounterVec
	ProcessDuration prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg. If reg is nil,
// the metrics are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LiveProcesses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rsh",
			Name:      "live_processes",
			Help:      "Number of processes created and not yet completed or cancelled",
		}),
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rsh",
			Name:      "responses_total",
			Help:      "Number of process responses by kind",
		}, []string{"kind"}),
		ProcessDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rsh",
			Name:      "process_duration_seconds",
			Help:      "Time from the start of a process to its response",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}
