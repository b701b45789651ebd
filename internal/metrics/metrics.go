// ABOUTME: Prometheus collectors for activation, delivery, runtime socket and machine API events
// ABOUTME: Registered on an injected registry; a nil *Metrics records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roost"

// Metrics holds every collector the control plane records to.
type Metrics struct {
	registry *prometheus.Registry

	activations      *prometheus.CounterVec
	activationTimers *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveredTotal   prometheus.Counter
	checkins         *prometheus.CounterVec
	runtimeConns     prometheus.Gauge
	runtimeMessages  *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	apiRetries       prometheus.Counter
	apiDuration      *prometheus.HistogramVec
	broadcastClients prometheus.Gauge
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Agent activation requests by driver and resulting status",
		}, []string{"driver", "status"}),

		activationTimers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_timer_fired_total",
			Help:      "Activation deadlines reached, by outcome (online, cleaned_up)",
		}, []string{"outcome"}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Message pushes to agents by path and result",
		}, []string{"path", "result"}),

		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_messages_total",
			Help:      "Channel messages confirmed delivered to agents",
		}),

		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_protocol_requests_total",
			Help:      "Check-in protocol requests by kind and response code",
		}, []string{"kind", "code"}),

		runtimeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_connections",
			Help:      "Open runtime socket connections",
		}),

		runtimeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_messages_total",
			Help:      "Runtime socket messages received by type",
		}, []string{"type"}),

		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_api_requests_total",
			Help:      "Machine API requests by operation and status code",
		}, []string{"op", "code"}),

		apiRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_api_retries_total",
			Help:      "Machine API attempts retried after a transient failure",
		}),

		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "machine_api_request_duration_seconds",
			Help:      "Machine API request duration in seconds, including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		broadcastClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_clients",
			Help:      "Browser sockets subscribed to channel frames",
		}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.activations,
		m.activationTimers,
		m.deliveries,
		m.deliveredTotal,
		m.checkins,
		m.runtimeConns,
		m.runtimeMessages,
		m.apiRequests,
		m.apiRetries,
		m.apiDuration,
		m.broadcastClients,
	)
	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Activation records an activate call.
func (m *Metrics) Activation(driver, status string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(driver, status).Inc()
}

// ActivationTimer records an activation deadline firing.
func (m *Metrics) ActivationTimer(outcome string) {
	if m == nil {
		return
	}
	m.activationTimers.WithLabelValues(outcome).Inc()
}

// Delivery records one push attempt. count is the number of channel messages
// it carried when it succeeded.
func (m *Metrics) Delivery(path string, err error, count int) {
	if m == nil {
		return
	}
	if err != nil {
		m.deliveries.WithLabelValues(path, "error").Inc()
		return
	}
	m.deliveries.WithLabelValues(path, "ok").Inc()
	m.deliveredTotal.Add(float64(count))
}

// ProtocolRequest records a check-in protocol request.
func (m *Metrics) ProtocolRequest(kind string, code int) {
	if m == nil {
		return
	}
	m.checkins.WithLabelValues(kind, http.StatusText(code)).Inc()
}

// RuntimeConnected adjusts the open runtime socket gauge.
func (m *Metrics) RuntimeConnected(delta int) {
	if m == nil {
		return
	}
	m.runtimeConns.Add(float64(delta))
}

// RuntimeMessage records an inbound runtime socket message.
func (m *Metrics) RuntimeMessage(msgType string) {
	if m == nil {
		return
	}
	m.runtimeMessages.WithLabelValues(msgType).Inc()
}

// APIRequest records a finished machine API request.
func (m *Metrics) APIRequest(op string, code int, d time.Duration) {
	if m == nil {
		return
	}
	label := "network_error"
	if code > 0 {
		label = http.StatusText(code)
	}
	m.apiRequests.WithLabelValues(op, label).Inc()
	m.apiDuration.WithLabelValues(op).Observe(d.Seconds())
}

// APIRetry records a retried machine API attempt.
func (m *Metrics) APIRetry() {
	if m == nil {
		return
	}
	m.apiRetries.Inc()
}

// BroadcastClients adjusts the browser subscriber gauge.
func (m *Metrics) BroadcastClients(delta int) {
	if m == nil {
		return
	}
	m.broadcastClients.Add(float64(delta))
}
