package connection

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hwzz3311/silent-agent-sub001/metric"
)

// Metrics holds Prometheus metrics for the connection manager
type Metrics struct {
	requestsSent      prometheus.Counter
	responsesReceived *prometheus.CounterVec
	requestTimeouts   prometheus.Counter
	requestDuration   prometheus.Histogram
	reconnectAttempts prometheus.Counter
	connectionState   prometheus.Gauge
	framesDropped     *prometheus.CounterVec
	pendingRequests   prometheus.Gauge
}

// newMetrics creates and registers connection metrics
func newMetrics(registry *metric.MetricsRegistry, componentName string) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "requests_sent_total",
			Help:      "Total requests sent through the relay",
		}),

		responsesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "responses_received_total",
			Help:      "Total correlated responses received",
		}, []string{"status"}),

		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "request_timeouts_total",
			Help:      "Total requests that hit their per-call deadline",
		}),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "request_duration_seconds",
			Help:      "Request/response round-trip duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		}),

		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnection attempts",
		}),

		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=failed)",
		}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by reason",
		}, []string{"reason"}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silentagent",
			Subsystem: "connection",
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a response",
		}),
	}

	registry.RegisterCounter(componentName, "requests_sent", metrics.requestsSent)
	registry.RegisterCounterVec(componentName, "responses_received", metrics.responsesReceived)
	registry.RegisterCounter(componentName, "request_timeouts", metrics.requestTimeouts)
	registry.RegisterHistogram(componentName, "request_duration", metrics.requestDuration)
	registry.RegisterCounter(componentName, "reconnect_attempts", metrics.reconnectAttempts)
	registry.RegisterGauge(componentName, "state", metrics.connectionState)
	registry.RegisterCounterVec(componentName, "frames_dropped", metrics.framesDropped)
	registry.RegisterGauge(componentName, "pending_requests", metrics.pendingRequests)

	return metrics
}
