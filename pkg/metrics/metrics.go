// Package metrics provides a Prometheus-backed recorder for the
// provisioning operation timings the entities emit.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBuckets spans sub-millisecond crypto operations up to full
// provisioning runs.
var DefaultBuckets = prometheus.ExponentialBuckets(0.0001, 4, 10)

// Config configures a Recorder.
type Config struct {
	// Namespace prefixes the metric names. Default: "m2mrsp".
	Namespace string

	// Registerer receives the collectors. If nil,
	// prometheus.DefaultRegisterer is used.
	Registerer prometheus.Registerer

	// Buckets are the histogram buckets in seconds. If nil,
	// DefaultBuckets is used.
	Buckets []float64
}

// Recorder records operation durations into a Prometheus histogram
// labeled by operation name. Entities accept it wherever they take a
// timing recorder.
//
// Thread Safety: all methods are safe for concurrent use.
type Recorder struct {
	durations *prometheus.HistogramVec
}

// NewRecorder creates a Recorder and registers its collectors.
//
// Returns an error if a collector with the same name is already
// registered.
func NewRecorder(config Config) (*Recorder, error) {
	namespace := config.Namespace
	if namespace == "" {
		namespace = "m2mrsp"
	}

	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	buckets := config.Buckets
	if buckets == nil {
		buckets = DefaultBuckets
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of provisioning protocol operations.",
		Buckets:   buckets,
	}, []string{"operation"})

	if err := registerer.Register(durations); err != nil {
		return nil, fmt.Errorf("metrics: register duration histogram: %w", err)
	}

	return &Recorder{durations: durations}, nil
}

// RecordDuration records one timed operation.
func (r *Recorder) RecordDuration(operation string, d time.Duration) {
	r.durations.WithLabelValues(operation).Observe(d.Seconds())
}
