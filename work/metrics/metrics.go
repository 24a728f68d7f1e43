package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyRequests counts proxied requests by final outcome. The "outcome" label
// is one of: manifest, relay, rejected, bad_request, upstream_error, transport_error.
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_proxy_requests_total",
	Help: "Total stream-proxy requests by outcome",
}, []string{"outcome"})

// UpstreamAttempts counts individual upstream fetch attempts by the reason
// the attempt was made: initial, status_retry (5xx), identity_fallback (401/403).
var UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_upstream_attempts_total",
	Help: "Total upstream fetch attempts by reason",
}, []string{"reason"})

// RateLimitRejections counts requests rejected by the per-client rate limiter.
var RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamgate_rate_limit_rejections_total",
	Help: "Total requests rejected by the rate limiter",
})

// BytesRelayed counts bytes streamed back to clients, labelled by content
// kind ("manifest" or "media").
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_bytes_relayed_total",
	Help: "Total bytes relayed to clients",
}, []string{"kind"})

// ManifestRewrites counts HLS manifests rewritten by the proxy.
var ManifestRewrites = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamgate_manifest_rewrites_total",
	Help: "Total HLS manifests rewritten",
})

// ActiveRelays tracks in-flight passthrough relays, which for live streams
// can be long-lived connections.
var ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamgate_active_relays",
	Help: "Number of in-flight passthrough relays",
})
