// Package metrics exposes counters for every observable failure class and
// throughput stat of the relay, with an optional HTTP endpoint for
// scraping.
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay counters. A rising Unrouted count is the
// operator signal for a payload format mismatch.
type Metrics struct {
	Received      prometheus.Counter
	Stored        prometheus.Counter
	Published     prometheus.Counter
	Unrouted      prometheus.Counter
	StoreErrors   prometheus.Counter
	PublishErrors prometheus.Counter
	Backpressure  prometheus.Counter

	reg *prometheus.Registry
}

// New returns Metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gmaxrelay",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		Received:      counter("received_total", "Datagrams received from the socket."),
		Stored:        counter("stored_total", "Datagrams appended to a session log."),
		Published:     counter("published_total", "Datagrams published to the queue."),
		Unrouted:      counter("unrouted_total", "Datagrams routed to the fallback store."),
		StoreErrors:   counter("store_errors_total", "Failed session log appends."),
		PublishErrors: counter("publish_errors_total", "Failed queue publishes after retries."),
		Backpressure:  counter("channel_backpressure_total", "Receives that blocked on a full ingestion channel."),
		reg:           reg,
	}
}

// Handler returns an HTTP handler serving the registry under /metrics.
func (m *Metrics) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	return r
}
