// internal/metrics/collector.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the client's prometheus metrics on a private registry so
// several clients can live in one process. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	events          *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
}

// NewCollector creates and registers all collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_gateway_requests_total",
				Help: "Gateway requests by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradesync_gateway_request_duration_seconds",
				Help:    "Duration of gateway requests including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_session_refreshes_total",
				Help: "Session refresh attempts by result",
			},
			[]string{"result"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradesync_stream_reconnects_total",
				Help: "Stream reconnection attempts",
			},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradesync_stream_connected",
				Help: "1 while the event stream is connected",
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_stream_events_total",
				Help: "Events delivered by channel",
			},
			[]string{"channel"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_state_rollbacks_total",
				Help: "Optimistic changes rolled back by action",
			},
			[]string{"action"},
		),
	}

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.refreshes,
		c.reconnects,
		c.connected,
		c.events,
		c.rollbacks,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(outcome string, started time.Time) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func (c *Collector) RefreshResult(result string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(result).Inc()
}

func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}

func (c *Collector) Event(channel string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(channel).Inc()
}

func (c *Collector) Rollback(action string) {
	if c == nil {
		return
	}
	c.rollbacks.WithLabelValues(action).Inc()
}
