// Package metrics exposes Prometheus collectors for the delivery service.
//
// Collectors are registered on a private registry so tests and multiple servers in one process
// never collide on the default registry.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

const (
	statusSuccess     = "success"
	statusError       = "error"
	statusUnavailable = "store_unavailable"
)

// Metrics tracks connection lifecycle, backlog replay, publishing and HTTP traffic.
// It implements realtime.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// OpenConnections is the number of connections between CONNECTING and CLOSED.
	OpenConnections prometheus.Gauge

	// ConnectionsClosed counts closed connections.
	// Labels: code (websocket close code)
	ConnectionsClosed *prometheus.CounterVec

	// BacklogReplays counts backlog frames sent on subscribe.
	// Labels: topic_kind (chat|notify), status (success|store_unavailable)
	BacklogReplays *prometheus.CounterVec

	// BacklogEntries observes the size of each replayed backlog.
	BacklogEntries *prometheus.HistogramVec

	// EventsPublished counts publish attempts.
	// Labels: kind (chat_message|new_notification), status (success|store_unavailable|error)
	EventsPublished *prometheus.CounterVec

	// PublishDuration measures persist plus fan-out latency in seconds.
	PublishDuration *prometheus.HistogramVec

	// LiveDeliveries counts live pushes.
	// Labels: kind, outcome (delivered|dropped)
	LiveDeliveries *prometheus.CounterVec

	// HTTPRequests counts HTTP requests.
	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers every collector on a fresh registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of realtime connections currently open",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of realtime connections closed by close code",
		}, []string{"code"}),
		BacklogReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_replays_total",
			Help:      "Total number of backlog frames sent on subscribe",
		}, []string{"topic_kind", "status"}),
		BacklogEntries: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backlog_entries",
			Help:      "Number of events carried by each backlog frame",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"topic_kind"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of publish attempts by kind and status",
		}, []string{"kind", "status"}),
		PublishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of persist plus fan-out in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
		LiveDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_deliveries_total",
			Help:      "Total number of live pushes by kind and outcome",
		}, []string{"kind", "outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchRegistry exports the channel registry occupancy as gauges sampled at scrape time.
func (m *Metrics) WatchRegistry(stats func() realtime.RegistryStats) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_topics",
		Help:      "Number of topics with at least one subscriber",
	}, func() float64 { return float64(stats().Topics) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_subscriptions",
		Help:      "Number of live subscriptions across all topics",
	}, func() float64 { return float64(stats().Subscriptions) })
}

// Handler serves the Prometheus exposition of the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	m.OpenConnections.Inc()
}

func (m *Metrics) ConnectionClosed(reason realtime.CloseReason) {
	m.OpenConnections.Dec()
	m.ConnectionsClosed.WithLabelValues(strconv.Itoa(reason.Code)).Inc()
}

func (m *Metrics) BacklogReplayed(kind realtime.TopicKind, entries int, err error) {
	m.BacklogReplays.WithLabelValues(string(kind), statusFor(err)).Inc()
	m.BacklogEntries.WithLabelValues(string(kind)).Observe(float64(entries))
}

func (m *Metrics) EventPublished(kind realtime.EventKind, elapsed time.Duration, err error) {
	m.EventsPublished.WithLabelValues(string(kind), statusFor(err)).Inc()
	if err == nil {
		m.PublishDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) LiveDelivered(kind realtime.EventKind, delivered int, dropped int) {
	m.LiveDeliveries.WithLabelValues(string(kind), "delivered").Add(float64(delivered))
	m.LiveDeliveries.WithLabelValues(string(kind), "dropped").Add(float64(dropped))
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, realtime.ErrStoreUnavailable):
		return statusUnavailable
	default:
		return statusError
	}
}

var _ realtime.Observer = (*Metrics)(nil)
