package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type relayMetrics struct {
	registry *prometheus.Registry

	hostsConnected    prometheus.Gauge
	activeStreams     prometheus.Gauge
	proxyRequests     *prometheus.CounterVec
	proxyDuration     prometheus.Histogram
	authFailures      prometheus.Counter
	authCodes         *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	tunnelBytes       *prometheus.CounterVec
}

// newRelayMetrics registers collectors on a private registry so several
// servers can coexist in one process.
func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		hostsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaytun_hosts_connected",
			Help: "Number of hosts with an active control channel",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaytun_active_streams",
			Help: "Number of virtual streams currently open towards hosts",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaytun_proxy_requests_total",
			Help: "Proxied requests by outcome",
		}, []string{"outcome"}),
		proxyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaytun_proxy_duration_seconds",
			Help:    "Time from stream open to proxied response completion",
			Buckets: prometheus.DefBuckets,
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaytun_auth_failures_total",
			Help: "Number of rejected bearer tokens or browser cookies",
		}),
		authCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaytun_auth_codes_total",
			Help: "One-time auth codes by result",
		}, []string{"result"}),
		signatureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaytun_signature_failures_total",
			Help: "Rejected signed requests by reason",
		}, []string{"reason"}),
		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaytun_tunnel_bytes_total",
			Help: "Bytes moved through SSH bridges by direction",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.hostsConnected,
		m.activeStreams,
		m.proxyRequests,
		m.proxyDuration,
		m.authFailures,
		m.authCodes,
		m.signatureFailures,
		m.tunnelBytes,
	)
	return m
}
