package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chime"

// Recorder owns a Prometheus registry and the collectors for HTTP traffic,
// matchmaking, locking, signaling and telemetry. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	matchAttempts    *prometheus.CounterVec
	lockAcquisitions *prometheus.CounterVec
	signalMessages   *prometheus.CounterVec
	busEvents        *prometheus.CounterVec
	telemetryFlushes *prometheus.CounterVec
	telemetryRecords *prometheus.CounterVec
	onlineUsers      prometheus.Gauge
	connections      prometheus.Gauge
	poolSweeps       prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder backed by a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := &Recorder{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by method, route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		matchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_attempts_total",
			Help:      "Match attempts by the tier that produced a candidate and the outcome.",
		}, []string{"tier", "outcome"}),
		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Distributed lock acquisitions by purpose and result.",
		}, []string{"purpose", "result"}),
		signalMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages by direction and type.",
		}, []string{"direction", "type"}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Event bus traffic by topic and direction.",
		}, []string{"topic", "direction"}),
		telemetryFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_flushes_total",
			Help:      "Telemetry batch flushes by record kind and result.",
		}, []string{"kind", "result"}),
		telemetryRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_total",
			Help:      "Telemetry records written by kind.",
		}, []string{"kind"}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a fresh presence heartbeat across all instances.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Websocket connections held by this instance.",
		}),
		poolSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_swept_entries_total",
			Help:      "Expired waiting entries removed by the sweeper.",
		}),
	}
	registry.MustRegister(
		r.requestDuration,
		r.matchAttempts,
		r.lockAcquisitions,
		r.signalMessages,
		r.busEvents,
		r.telemetryFlushes,
		r.telemetryRecords,
		r.onlineUsers,
		r.connections,
		r.poolSweeps,
	)
	return r
}

// Default returns the process-wide Recorder used when components are not
// handed one explicitly.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Intended for tests.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}

// Registry exposes the underlying registry so tests can gather samples.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request served by route.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = UnmatchedRoute
	}
	r.requestDuration.WithLabelValues(strings.ToUpper(method), route, strconv.Itoa(status)).
		Observe(duration.Seconds())
}

// ObserveMatch records the outcome of one FindMatch call. tier is zero when
// no candidate was found.
func (r *Recorder) ObserveMatch(tier int, outcome string) {
	if r == nil {
		return
	}
	label := "none"
	if tier > 0 {
		label = strconv.Itoa(tier)
	}
	r.matchAttempts.WithLabelValues(label, normalizeName(outcome)).Inc()
}

// ObserveLock records a lock acquisition attempt.
func (r *Recorder) ObserveLock(purpose, result string) {
	if r == nil {
		return
	}
	r.lockAcquisitions.WithLabelValues(normalizeName(purpose), normalizeName(result)).Inc()
}

// ObserveSignal records a signaling message; direction is "in" or "out".
func (r *Recorder) ObserveSignal(direction, messageType string) {
	if r == nil {
		return
	}
	r.signalMessages.WithLabelValues(normalizeName(direction), normalizeName(messageType)).Inc()
}

// ObserveBusEvent records a published or consumed bus event.
func (r *Recorder) ObserveBusEvent(topic, direction string) {
	if r == nil {
		return
	}
	r.busEvents.WithLabelValues(normalizeName(topic), normalizeName(direction)).Inc()
}

// ObserveFlush records one telemetry batch write of n records.
func (r *Recorder) ObserveFlush(kind string, n int, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	kind = normalizeName(kind)
	r.telemetryFlushes.WithLabelValues(kind, result).Inc()
	if err == nil && n > 0 {
		r.telemetryRecords.WithLabelValues(kind).Add(float64(n))
	}
}

// SetOnlineUsers publishes the latest cluster-wide online count.
func (r *Recorder) SetOnlineUsers(n int64) {
	if r == nil {
		return
	}
	r.onlineUsers.Set(float64(n))
}

// ConnectionOpened and ConnectionClosed track local websocket connections.
func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connections.Inc()
}

func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connections.Dec()
}

// ObserveSweep adds n swept entries.
func (r *Recorder) ObserveSweep(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.poolSweeps.Add(float64(n))
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
