// Package metrics defines the explicit metrics sink the orchestrator threads
// through its components. Emission never returns an error to callers: sinks
// log and swallow their own failures so a metrics outage cannot break the
// data path.
package metrics

import "time"

// Metric names shared across the service.
const (
	MetricInvocations      = "Invocations"
	MetricErrors           = "Errors"
	MetricThrottles        = "Throttles"
	MetricDuration         = "Duration"
	MetricUtilization      = "Utilization"
	MetricQueueDepth       = "QueueDepth"
	MetricImageAccessError = "ImageAccessError"
	MetricTilesProcessed   = "TilesProcessed"
	MetricTilesFailed      = "TilesFailed"
	MetricFeatures         = "FeatureCount"
)

// Operation dimension values.
const (
	OpScheduling       = "Scheduling"
	OpImageProcessing  = "ImageProcessing"
	OpRegionProcessing = "RegionProcessing"
	OpTileProcessing   = "TileProcessing"
	OpAsyncInference   = "AsyncInference"
	OpAggregation      = "Aggregation"
)

// Dimensions qualify a metric datum.
type Dimensions struct {
	Operation string
	ModelName string
}

// Sink receives metric data. Implementations must be safe for concurrent use
// and must never panic or propagate emission failures.
type Sink interface {
	Count(name string, value float64, dims Dimensions)
	Duration(name string, d time.Duration, dims Dimensions)
	Gauge(name string, value float64, dims Dimensions)
}

// Noop discards all metrics.
type Noop struct{}

func (Noop) Count(string, float64, Dimensions)        {}
func (Noop) Duration(string, time.Duration, Dimensions) {}
func (Noop) Gauge(string, float64, Dimensions)        {}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Count(name string, value float64, dims Dimensions) {
	for _, s := range m {
		s.Count(name, value, dims)
	}
}

func (m Multi) Duration(name string, d time.Duration, dims Dimensions) {
	for _, s := range m {
		s.Duration(name, d, dims)
	}
}

func (m Multi) Gauge(name string, value float64, dims Dimensions) {
	for _, s := range m {
		s.Gauge(name, value, dims)
	}
}
