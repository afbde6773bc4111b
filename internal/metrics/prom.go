package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom mirrors the metric stream into a Prometheus registry for process-local
// scraping alongside the CloudWatch sink.
type Prom struct {
	counts    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	gauges    *prometheus.GaugeVec
}

// NewProm registers the vectors on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilerunner",
			Name:      "events_total",
			Help:      "Count metrics keyed by metric name, operation, and model.",
		}, []string{"metric", "operation", "model_name"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tilerunner",
			Name:      "duration_seconds",
			Help:      "Duration metrics keyed by metric name, operation, and model.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"metric", "operation", "model_name"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tilerunner",
			Name:      "gauge",
			Help:      "Gauge metrics keyed by metric name, operation, and model.",
		}, []string{"metric", "operation", "model_name"}),
	}
	reg.MustRegister(p.counts, p.durations, p.gauges)
	return p
}

func (p *Prom) Count(name string, value float64, dims Dimensions) {
	p.counts.WithLabelValues(name, dims.Operation, dims.ModelName).Add(value)
}

func (p *Prom) Duration(name string, d time.Duration, dims Dimensions) {
	p.durations.WithLabelValues(name, dims.Operation, dims.ModelName).Observe(d.Seconds())
}

func (p *Prom) Gauge(name string, value float64, dims Dimensions) {
	p.gauges.WithLabelValues(name, dims.Operation, dims.ModelName).Set(value)
}
