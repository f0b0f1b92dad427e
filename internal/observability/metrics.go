package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lightmux"

type moduleMetrics struct {
	activeSessions     prometheus.Gauge
	sessionStartsTotal *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
	responsesForwarded prometheus.Counter
	activeForwarders   prometheus.Gauge

	gatewayClients       prometheus.Gauge
	gatewayRequestsTotal *prometheus.CounterVec

	scheduledRunsTotal *prometheus.CounterVec
	chainSpecsLoaded   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current active session count.",
				},
			),
			sessionStartsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_starts_total",
					Help:      "Session start attempts by status.",
				},
				[]string{"status"},
			),
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "requests_enqueued_total",
					Help:      "JSON-RPC requests handed to the engine by status.",
				},
				[]string{"status"},
			),
			responsesForwarded: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "responses_forwarded_total",
					Help:      "Responses delivered to listener sinks.",
				},
			),
			activeForwarders: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_forwarders",
					Help:      "Running response forwarders.",
				},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_clients",
					Help:      "Connected gateway websocket clients.",
				},
			),
			gatewayRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			scheduledRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "scheduled_requests_total",
					Help:      "Scheduled request runs by session and status.",
				},
				[]string{"session", "status"},
			),
			chainSpecsLoaded: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "chain_specs_loaded",
					Help:      "Chain specifications currently loaded.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionStartsTotal,
			m.requestsTotal,
			m.responsesForwarded,
			m.activeForwarders,
			m.gatewayClients,
			m.gatewayRequestsTotal,
			m.scheduledRunsTotal,
			m.chainSpecsLoaded,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionStart(success bool) {
	getMetrics().sessionStartsTotal.WithLabelValues(status(success)).Inc()
}

func RecordRequestEnqueued(success bool) {
	getMetrics().requestsTotal.WithLabelValues(status(success)).Inc()
}

func RecordResponseForwarded() {
	getMetrics().responsesForwarded.Inc()
}

func ForwarderStarted() {
	getMetrics().activeForwarders.Inc()
}

func ForwarderStopped() {
	getMetrics().activeForwarders.Dec()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func RecordGatewayRequest(method string, success bool) {
	getMetrics().gatewayRequestsTotal.WithLabelValues(method, status(success)).Inc()
}

func RecordScheduledRun(session string, success bool) {
	getMetrics().scheduledRunsTotal.WithLabelValues(session, status(success)).Inc()
}

func SetChainSpecsLoaded(count int) {
	getMetrics().chainSpecsLoaded.Set(float64(count))
}
