// Package metrics - Prometheus instrumentation for the processing pipeline.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvr-ai/go-dataprep/inference"
)

const namespace = "dataprep"

// Metrics holds all pipeline metrics on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	images     *prometheus.CounterVec
	failures   *prometheus.CounterVec
	detections prometheus.Counter
	fallbacks  *prometheus.CounterVec
	tiles      *prometheus.CounterVec
	tileTime   prometheus.Histogram
	inference  *prometheus.HistogramVec
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_processed_total",
			Help:      "Images processed successfully, by operation.",
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_failed_total",
			Help:      "Images that failed, by operation.",
		}, []string{"operation"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Regions kept after non-maximum suppression.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Images handled by a fallback policy, by reason.",
		}, []string{"reason"}),
		tiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_total",
			Help:      "Restoration tiles, by whether they were inferred or passed through.",
		}, []string{"route"}),
		tileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_duration_seconds",
			Help:      "Time spent on one inferred restoration tile.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Model invocation latency, by model.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"model", "status"}),
	}

	m.registry.MustRegister(m.images, m.failures, m.detections, m.fallbacks, m.tiles, m.tileTime, m.inference)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ImageProcessed counts a successful operation ("crop", "restore").
func (m *Metrics) ImageProcessed(operation string) {
	if m == nil {
		return
	}
	m.images.WithLabelValues(operation).Inc()
}

// ImageFailed counts a failed operation.
func (m *Metrics) ImageFailed(operation string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation).Inc()
}

// Detections adds n detected regions.
func (m *Metrics) Detections(n int) {
	if m == nil {
		return
	}
	m.detections.Add(float64(n))
}

// Fallback counts an image handled by a fallback policy.
func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

// ObserveTile implements restoration.Observer.
func (m *Metrics) ObserveTile(inferred bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if !inferred {
		m.tiles.WithLabelValues("passthrough").Inc()
		return
	}
	m.tiles.WithLabelValues("inferred").Inc()
	m.tileTime.Observe(elapsed.Seconds())
}

// Instrument wraps inv so every call is timed under the model label.
func (m *Metrics) Instrument(model string, inv inference.Invoker) inference.Invoker {
	if m == nil {
		return inv
	}
	return inference.InvokerFunc(func(ctx context.Context, inputs inference.Tensors) (inference.Tensors, error) {
		start := time.Now()
		out, err := inv.Invoke(ctx, inputs)
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.inference.WithLabelValues(model, status).Observe(time.Since(start).Seconds())
		return out, err
	})
}
