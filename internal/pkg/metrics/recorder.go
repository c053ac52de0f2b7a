package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is a Prometheus-backed implementation of the delivery core's
// metrics interface. Counter, gauge and histogram vectors are registered
// lazily on first use, with the label set taken from the first call for a
// given metric name.
type Recorder struct {
	subsystem  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*vecEntry[*prometheus.CounterVec]
	gauges     map[string]*vecEntry[*prometheus.GaugeVec]
	histograms map[string]*vecEntry[*prometheus.HistogramVec]
}

type vecEntry[T any] struct {
	vec  T
	keys []string
}

// NewRecorder creates a Recorder registering metrics under the pushmill
// namespace with the given subsystem. A nil registerer defaults to
// prometheus.DefaultRegisterer.
func NewRecorder(subsystem string, registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Recorder{
		subsystem:  subsystem,
		registerer: registerer,
		counters:   make(map[string]*vecEntry[*prometheus.CounterVec]),
		gauges:     make(map[string]*vecEntry[*prometheus.GaugeVec]),
		histograms: make(map[string]*vecEntry[*prometheus.HistogramVec]),
	}
}

// Increment adds value to the counter identified by name and tags.
func (r *Recorder) Increment(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	entry, ok := r.counters[name]
	if !ok {
		keys := sortedKeys(tags)
		entry = &vecEntry[*prometheus.CounterVec]{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: r.subsystem,
				Name:      name,
			}, keys),
			keys: keys,
		}
		r.registerer.MustRegister(entry.vec)
		r.counters[name] = entry
	}
	r.mu.Unlock()

	entry.vec.WithLabelValues(labelValues(entry.keys, tags)...).Add(value)
}

// Gauge sets the gauge identified by name and tags.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	entry, ok := r.gauges[name]
	if !ok {
		keys := sortedKeys(tags)
		entry = &vecEntry[*prometheus.GaugeVec]{
			vec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: r.subsystem,
				Name:      name,
			}, keys),
			keys: keys,
		}
		r.registerer.MustRegister(entry.vec)
		r.gauges[name] = entry
	}
	r.mu.Unlock()

	entry.vec.WithLabelValues(labelValues(entry.keys, tags)...).Set(value)
}

// Timing observes a duration in seconds on the histogram identified by name.
func (r *Recorder) Timing(name string, d time.Duration, tags map[string]string) {
	r.Histogram(name+"_seconds", d.Seconds(), tags)
}

// Histogram observes value on the histogram identified by name and tags.
func (r *Recorder) Histogram(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	entry, ok := r.histograms[name]
	if !ok {
		keys := sortedKeys(tags)
		entry = &vecEntry[*prometheus.HistogramVec]{
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: r.subsystem,
				Name:      name,
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			}, keys),
			keys: keys,
		}
		r.registerer.MustRegister(entry.vec)
		r.histograms[name] = entry
	}
	r.mu.Unlock()

	entry.vec.WithLabelValues(labelValues(entry.keys, tags)...).Observe(value)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// labelValues resolves values for the label keys registered on first use.
// Tags absent from the call map to an empty label value, extra tags are
// dropped, so later calls cannot change a vector's label set.
func labelValues(keys []string, tags map[string]string) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return values
}
