package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"streamgate/work/config"
	"streamgate/work/fetch"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/ratelimit"
	"streamgate/work/relay"
	"streamgate/work/rewrite"
	"streamgate/work/utils"
)

// StreamProxy orchestrates a single proxied request: rate-limit gate,
// upstream fetch with identity fallback, manifest-vs-binary classification,
// and dispatch to the rewriter or the passthrough relay. It is stateless per
// request apart from the shared rate limiter.
type StreamProxy struct {
	Config  *config.Config
	Limiter ratelimit.Limiter
	Fetcher *fetch.Fetcher
}

// transportRetries is the outer attempt budget for transport-level failures
// (DNS, resets, timeouts). HTTP error statuses are handled inside the
// Fetcher and never consume this budget.
const transportRetries = 2

// ErrorResponse is the JSON error body returned on every failure path.
type ErrorResponse struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	UpstreamURL    string `json:"upstream_url,omitempty"`
	Hint           string `json:"hint,omitempty"`
}

// New creates a StreamProxy wired to the given limiter and fetcher.
func New(cfg *config.Config, limiter ratelimit.Limiter, fetcher *fetch.Fetcher) *StreamProxy {
	return &StreamProxy{
		Config:  cfg,
		Limiter: limiter,
		Fetcher: fetcher,
	}
}

// HandleStreamProxy serves GET/OPTIONS /stream-proxy?url=<absolute-url>.
// Every response, success or error, carries CORS headers; nothing on this
// path is allowed to panic the process.
func (sp *StreamProxy) HandleStreamProxy(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	clientID := ClientIP(r)

	decision := sp.Limiter.Allow(clientID)
	if !decision.Allowed {
		metrics.RateLimitRejections.Inc()
		metrics.ProxyRequests.WithLabelValues("rejected").Inc()
		logger.Debug("{proxy - HandleStreamProxy} Rate limit exceeded for client %s", clientID)
		w.Header().Set("Retry-After", strconv.Itoa(int(sp.Config.RateLimitWindow.Seconds())))
		writeError(w, http.StatusTooManyRequests, ErrorResponse{
			Error: "rate limit exceeded",
		})
		return
	}

	rawURL := r.URL.Query().Get("url")
	upstreamURL, err := validateUpstreamURL(rawURL)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	proxyBase := sp.proxyBaseURL(r)
	rangeHeader := r.Header.Get("Range")

	sp.fetchAndDispatch(w, r, upstreamURL.String(), rangeHeader, proxyBase)
}

// fetchAndDispatch runs the upstream fetch inside the outer transport-retry
// loop and hands the response to the rewriter or the relay.
func (sp *StreamProxy) fetchAndDispatch(w http.ResponseWriter, r *http.Request, upstreamURL, rangeHeader, proxyBase string) {
	var resp *http.Response
	var err error

	for attempt := 1; attempt <= transportRetries; attempt++ {
		resp, err = sp.Fetcher.Fetch(r.Context(), upstreamURL, rangeHeader)
		if err == nil {
			break
		}

		var upstreamErr *fetch.UpstreamError
		if errors.As(err, &upstreamErr) {
			// upstream answered; its status is final, no outer retry
			metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
			sp.writeUpstreamError(w, upstreamErr)
			return
		}

		if r.Context().Err() != nil {
			// client went away mid-request, nothing left to answer
			logger.Debug("{proxy - fetchAndDispatch} Client cancelled request for %s",
				utils.LogURL(sp.Config, upstreamURL))
			return
		}

		if attempt < transportRetries {
			logger.Warn("{proxy - fetchAndDispatch} Transport failure (attempt %d/%d) for %s: %v",
				attempt, transportRetries, utils.LogURL(sp.Config, upstreamURL), err)
			select {
			case <-time.After(sp.Config.TransportRetryDelay):
			case <-r.Context().Done():
				return
			}
		}
	}

	if err != nil {
		metrics.ProxyRequests.WithLabelValues("transport_error").Inc()
		logger.Error("{proxy - fetchAndDispatch} Upstream unreachable after %d attempts: %v", transportRetries, err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:       "upstream unreachable",
			UpstreamURL: upstreamURL,
		})
		return
	}

	defer resp.Body.Close()

	// redirects may have moved the manifest; resolve references against
	// where the bytes actually came from
	finalURL := resp.Request.URL

	if rewrite.IsManifestResponse(resp.Header.Get("Content-Type"), finalURL.Path) {
		sp.serveManifest(w, resp, finalURL, proxyBase)
		return
	}

	metrics.ProxyRequests.WithLabelValues("relay").Inc()
	if _, err := relay.Relay(w, resp, finalURL.Path); err != nil && r.Context().Err() == nil {
		logger.Warn("{proxy - fetchAndDispatch} Relay interrupted for %s: %v",
			utils.LogURL(sp.Config, upstreamURL), err)
	}
}

// serveManifest buffers the manifest body, rewrites every reference through
// the proxy, and serves it uncacheable. A body without the HLS marker is
// served back untouched under its upstream content type.
func (sp *StreamProxy) serveManifest(w http.ResponseWriter, resp *http.Response, finalURL *url.URL, proxyBase string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("transport_error").Inc()
		writeError(w, http.StatusBadGateway, ErrorResponse{
			Error:       "failed to read upstream manifest",
			UpstreamURL: finalURL.String(),
		})
		return
	}

	text := string(body)

	w.Header().Set("Cache-Control", "no-store")

	if !rewrite.IsHLSManifest(text) {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		metrics.ProxyRequests.WithLabelValues("relay").Inc()
		return
	}

	rewritten := rewrite.Rewrite(text, finalURL, proxyBase)

	w.Header().Set("Content-Type", rewrite.MimeTypeHLS)
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write([]byte(rewritten))

	metrics.ProxyRequests.WithLabelValues("manifest").Inc()
	metrics.ManifestRewrites.Inc()
	metrics.BytesRelayed.WithLabelValues("manifest").Add(float64(n))

	logger.Debug("{proxy - serveManifest} Rewrote manifest from %s (%d -> %d bytes)",
		utils.LogURL(sp.Config, finalURL.String()), len(body), n)
}

// writeUpstreamError maps a fetcher status failure to a 502 with diagnostic
// hints. 401/403 after the identity fallback almost always means the
// provider blocks datacenter/proxy IPs while native apps on residential
// connections still work, so say exactly that.
func (sp *StreamProxy) writeUpstreamError(w http.ResponseWriter, upstreamErr *fetch.UpstreamError) {
	body := ErrorResponse{
		Error:          "upstream fetch failed",
		UpstreamStatus: upstreamErr.Status,
		UpstreamURL:    upstreamErr.URL,
	}
	if upstreamErr.Blocked {
		body.Hint = "the provider may be blocking proxy/cloud IPs; playback through a native app may still work"
	}
	writeError(w, http.StatusBadGateway, body)
}

// validateUpstreamURL enforces the absolute http/https contract before any
// network call, so the proxy cannot be pointed at other schemes or used as
// an open relay for local resources.
func validateUpstreamURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("missing url parameter")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid url parameter")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("url must be absolute http or https")
	}
	if u.Host == "" {
		return nil, errors.New("url must be absolute http or https")
	}

	return u, nil
}

// proxyBaseURL computes this deployment's externally visible /stream-proxy
// URL for manifest rewriting. Explicit configuration wins; otherwise trust
// forwarded headers from a fronting reverse proxy, then fall back to the
// request's own host for direct-connection deployments.
func (sp *StreamProxy) proxyBaseURL(r *http.Request) string {
	return BaseURL(sp.Config, r) + "/stream-proxy"
}

// BaseURL computes this deployment's externally visible root URL. Explicit
// configuration wins; otherwise trust forwarded headers from a fronting
// reverse proxy, then fall back to the request's own host.
func BaseURL(cfg *config.Config, r *http.Request) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + host
}

// ClientIP identifies the requesting client for rate limiting. Forwarded
// headers are trusted unconditionally; when the proxy is not behind a
// controlled reverse-proxy layer these are spoofable, a hardening decision
// left to the integrator.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// setCORSHeaders attaches the permissive CORS policy every response carries:
// players are cross-origin web apps and need Range on requests plus the
// length/range headers exposed for seeking.
func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
}

// writeError emits the JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("{proxy - writeError} Failed to encode error response: %v", err)
	}
}

// Shutdown closes the limiter; kept for symmetry with future pooled
// resources owned by the orchestrator.
func (sp *StreamProxy) Shutdown(ctx context.Context) error {
	return sp.Limiter.Close()
}
