package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyRequests counts proxy requests by response classification: manifest,
// manifest_cached, media, subtitle, bad_request or upstream_error.
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anigate_proxy_requests_total",
	Help: "Number of proxy requests handled",
}, []string{"class"})

// UpstreamErrors counts upstream failures by structured error kind
// (blocked, transient, client_error).
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anigate_upstream_errors_total",
	Help: "Number of upstream errors",
}, []string{"kind"})

// RewrittenLines counts manifest references rewritten to proxy-routed form.
// The "ref" label distinguishes segment lines from URI attributes.
var RewrittenLines = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anigate_rewritten_references_total",
	Help: "Number of manifest references rewritten",
}, []string{"ref"})

// ResolverProbes counts origin reachability probes by candidate kind and result.
var ResolverProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anigate_resolver_probes_total",
	Help: "Number of origin reachability probes",
}, []string{"candidate", "result"})

// ActiveConnections tracks concurrently served proxy clients.
var ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "anigate_active_connections",
	Help: "Number of active proxy connections",
})

// BytesProxied tracks the total number of bytes piped to clients.
var BytesProxied = promauto.NewCounter(prometheus.CounterOpts{
	Name: "anigate_bytes_proxied_total",
	Help: "Total bytes piped through the proxy",
})
