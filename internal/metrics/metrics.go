// Package metrics exposes the Prometheus collectors scraped at /metrics,
// following the plain package-level-vars-plus-init() style of the ws_poc
// teacher's metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_connections_total",
		Help: "Total number of TCP connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meilies_connections_active",
		Help: "Current number of open TCP connections",
	})

	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_connections_rejected_total",
		Help: "Total connections rejected by the admission rate limiter",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meilies_subscriptions_active",
		Help: "Current number of live (connection, stream) subscription workers",
	})

	EventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_events_published_total",
		Help: "Total number of events successfully published",
	})

	EventsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_events_delivered_total",
		Help: "Total number of events delivered to subscribers",
	})

	PublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_publish_errors_total",
		Help: "Total number of failed publish requests",
	})

	DecodeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_decode_errors_total",
		Help: "Total number of malformed requests rejected with a RESP error frame",
	})

	ResponseChannelFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meilies_response_channel_full_total",
		Help: "Total number of times a subscription worker blocked on a full response channel",
	})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsRejected)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDeliveredTotal)
	prometheus.MustRegister(PublishErrorsTotal)
	prometheus.MustRegister(DecodeErrorsTotal)
	prometheus.MustRegister(ResponseChannelFullTotal)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
