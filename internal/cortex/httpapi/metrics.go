package httpapi

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "cortex",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "synapse",
			Subsystem: "cortex",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.neuronConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "synapse",
			Subsystem: "cortex",
			Name:      "neuron_connections",
			Help:      "Number of currently open neuron control connections",
		})

		r.framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "cortex",
			Name:      "control_frames_total",
			Help:      "Control-channel frames processed, by kind",
		}, []string{"kind"})

		r.commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "cortex",
			Name:      "provisioning_commands_total",
			Help:      "Provisioning commands submitted to neurons, by kind",
		}, []string{"kind"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.neuronConnections, r.framesTotal, r.commandsTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.requestTotal {
							r.requestTotal = v
						} else if collector == r.framesTotal {
							r.framesTotal = v
						} else if collector == r.commandsTotal {
							r.commandsTotal = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					case prometheus.Gauge:
						r.neuronConnections = v
					}
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

// ConnectionOpened implements controlplane.Stats.
func (r *Router) ConnectionOpened() {
	if r.metricsInitialized {
		r.neuronConnections.Inc()
	}
}

// ConnectionClosed implements controlplane.Stats.
func (r *Router) ConnectionClosed() {
	if r.metricsInitialized {
		r.neuronConnections.Dec()
	}
}

// FrameProcessed implements controlplane.Stats.
func (r *Router) FrameProcessed(kind string) {
	if r.metricsInitialized {
		r.framesTotal.With(prometheus.Labels{"kind": kind}).Inc()
	}
}

// CommandSubmitted implements controlplane.Stats.
func (r *Router) CommandSubmitted(kind string) {
	if r.metricsInitialized {
		r.commandsTotal.With(prometheus.Labels{"kind": kind}).Inc()
	}
}
