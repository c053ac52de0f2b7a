package push

import "time"

// Metric names emitted by the delivery core.
const (
	MetricSendTotal        = "send_total"
	MetricSendDuration     = "send_duration"
	MetricRetryEnqueued    = "retry_enqueued_total"
	MetricRetryProcessed   = "retry_processed_total"
	MetricBreakerState     = "breaker_state"
	MetricRateLimitWaiting = "rate_limit_available_tokens"
	MetricQueuePending     = "queue_pending"
	MetricQueueProcessing  = "queue_processing"
	MetricQueueFailed      = "queue_failed"
)

// Metrics is the optional metrics collaborator. Implementations must be safe
// for concurrent use; a nil Metrics disables instrumentation.
type Metrics interface {
	Increment(name string, value float64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, d time.Duration, tags map[string]string)
	Histogram(name string, value float64, tags map[string]string)
}

func incrMetric(m Metrics, name string, tags map[string]string) {
	if m == nil {
		return
	}
	m.Increment(name, 1, tags)
}

func timingMetric(m Metrics, name string, d time.Duration, tags map[string]string) {
	if m == nil {
		return
	}
	m.Timing(name, d, tags)
}

func gaugeMetric(m Metrics, name string, value float64, tags map[string]string) {
	if m == nil {
		return
	}
	m.Gauge(name, value, tags)
}
