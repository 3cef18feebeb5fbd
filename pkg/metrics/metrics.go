// Package metrics exposes Prometheus collectors for the alert stream, the REST
// calls made to the CloudCare services and the local feed.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// Metrics owns a registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry

	streamConnects    prometheus.Counter
	streamDisconnects prometheus.Counter
	streamEvents      *prometheus.CounterVec
	parseFailures     prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	feedAccepted  *prometheus.CounterVec
	feedRejected  *prometheus.CounterVec
	feedSize      prometheus.Gauge
	notifications *prometheus.CounterVec
	sinkWrites    *prometheus.CounterVec
}

// New creates and registers the collectors, labelled with service
func New(service string) *Metrics {
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		streamConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emergency_stream_connects_total",
			Help:        "Total number of successful alert stream connections",
			ConstLabels: labels,
		}),
		streamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emergency_stream_disconnects_total",
			Help:        "Total number of alert stream connection failures",
			ConstLabels: labels,
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "emergency_stream_events_total",
			Help:        "Total number of events received on the alert stream",
			ConstLabels: labels,
		}, []string{"event"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emergency_stream_parse_failures_total",
			Help:        "Total number of malformed alert payloads",
			ConstLabels: labels,
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "api_requests_total",
			Help:        "Total number of requests to CloudCare service APIs",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "api_request_duration_seconds",
			Help:        "Duration of requests to CloudCare service APIs in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"method", "endpoint"}),

		feedAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feed_alerts_total",
			Help:        "Total number of alerts accepted into the feed",
			ConstLabels: labels,
		}, []string{"severity"}),
		feedRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feed_alerts_rejected_total",
			Help:        "Total number of alerts dropped before reaching the feed",
			ConstLabels: labels,
		}, []string{"reason"}),
		feedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "feed_alerts",
			Help:        "Number of alerts currently held in the feed",
			ConstLabels: labels,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feed_notifications_total",
			Help:        "Total number of alert notifications emitted",
			ConstLabels: labels,
		}, []string{"status"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feed_sink_writes_total",
			Help:        "Total number of alert writes to sinks",
			ConstLabels: labels,
		}, []string{"sink", "status"}),
	}

	m.registry.MustRegister(
		m.streamConnects,
		m.streamDisconnects,
		m.streamEvents,
		m.parseFailures,
		m.requestsTotal,
		m.requestDuration,
		m.feedAccepted,
		m.feedRejected,
		m.feedSize,
		m.notifications,
		m.sinkWrites,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Stream observer

func (m *Metrics) Connected() {
	m.streamConnects.Inc()
}

func (m *Metrics) Event(name string) {
	m.streamEvents.WithLabelValues(name).Inc()
}

func (m *Metrics) ParseFailed() {
	m.parseFailures.Inc()
}

func (m *Metrics) Disconnected(error) {
	m.streamDisconnects.Inc()
}

// ObserveRequest records one REST call. Its signature matches
// apiclient.Observer.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration, err error) {
	endpoint := Endpoint(path)
	code := strconv.Itoa(status)
	if status == 0 {
		code = "error"
	}
	m.requestsTotal.WithLabelValues(method, endpoint, code).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// Feed observer

func (m *Metrics) Accepted(alert models.EmergencyAlert) {
	m.feedAccepted.WithLabelValues(string(alert.Severity)).Inc()
}

func (m *Metrics) Rejected(reason string) {
	m.feedRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Notified(err error) {
	m.notifications.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) SinkWritten(sink string, err error) {
	m.sinkWrites.WithLabelValues(sink, status(err)).Inc()
}

func (m *Metrics) Size(n int) {
	m.feedSize.Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var pathWords = map[string]bool{
	"api": true, "emergency": true, "alerts": true, "patients": true,
	"stream": true, "statistics": true, "acknowledge": true, "respond": true,
	"resolve": true, "false-alarm": true, "doctors": true, "hospitals": true,
	"wearables": true, "vitals": true, "devices": true,
}

// Endpoint collapses identifiers in path so the label stays bounded
func Endpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		if s != "" && !pathWords[s] {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}
