// Package metrics defines the daemon's Prometheus instrumentation and the
// HTTP handler that exposes it. Subsystems hold a *Metrics and call its
// methods directly rather than reaching for global counters, so a test can
// construct its own registry and assert on it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge the daemon reports. Construct one
// with New and pass it down to the subsystems that need it.
type Metrics struct {
	registry *prometheus.Registry

	RegistrySize   prometheus.Gauge
	PeersReady     prometheus.Gauge
	GossipMessages *prometheus.CounterVec
	AuthOutcomes   *prometheus.CounterVec
	DNSQueries     *prometheus.CounterVec
	DNSForwards    *prometheus.CounterVec
}

// New builds a Metrics with its own registry, independent of the global
// default so multiple instances (or tests) never collide on
// re-registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clusterd_registry_bindings",
			Help: "Current number of surviving name/address bindings held locally.",
		}),
		PeersReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clusterd_peers_ready",
			Help: "Current number of peers in the Ready authentication state.",
		}),
		GossipMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterd_gossip_messages_total",
			Help: "Gossip messages processed, by message kind and direction.",
		}, []string{"kind", "direction"}),
		AuthOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterd_peer_auth_outcomes_total",
			Help: "Peer handshake outcomes, by result.",
		}, []string{"result"}),
		DNSQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterd_dns_queries_total",
			Help: "DNS queries answered locally, by response code.",
		}, []string{"rcode"}),
		DNSForwards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterd_dns_forwards_total",
			Help: "Multi-label DNS queries forwarded upstream, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
