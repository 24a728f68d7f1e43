package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/utils"
)

// UpstreamError reports that the upstream origin answered with an error
// status after all attempts were exhausted. Blocked marks 401/403 responses,
// which for cloud-hosted deployments usually means the provider is rejecting
// proxy/datacenter IPs rather than the credentials.
type UpstreamError struct {
	Status  int
	URL     string
	Blocked bool
}

func (e *UpstreamError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("upstream denied access (status %d)", e.Status)
	}
	return fmt.Sprintf("upstream returned error status %d", e.Status)
}

// Fetcher issues upstream requests with identity fallback and bounded
// status-based retries. It holds one tuned http.Client shared by all
// requests plus per-host pacing limiters for outbound traffic.
type Fetcher struct {
	Client       *http.Client
	config       *config.Config
	hostLimiters map[string]ratelimit.Limiter
	limiterMu    sync.RWMutex
}

// New creates a Fetcher with a transport tuned for streaming: no overall
// client timeout (live bodies are unbounded), a response-header timeout so a
// hung upstream cannot park a request forever, and connection pooling for
// segment-heavy HLS traffic.
func New(cfg *config.Config) *Fetcher {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
		},
	}

	return &Fetcher{
		Client:       client,
		config:       cfg,
		hostLimiters: make(map[string]ratelimit.Limiter),
	}
}

// Fetch retrieves the upstream URL, trying the device identity first and
// applying the two-branch retry policy within the configured attempt budget:
//
//   - 5xx responses wait a fixed backoff and retry with the same identity
//     (transient upstream overload).
//   - 401/403 responses switch to the browser identity once (origin is
//     blocking the app identity, not failing).
//
// The two triggers are mutually exclusive outcomes of a single attempt. Any
// transport failure is returned immediately; the orchestrator owns
// transport-level retries. On success the response body is unconsumed and
// the caller must close it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, rangeHeader string) (*http.Response, error) {
	upstream, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	identity := DeviceIdentity(f.config.DeviceUserAgent, f.config.DeviceAppID)
	triedFallback := false
	reason := "initial"

	var lastStatus int

	for attempt := 1; attempt <= f.config.MaxRetries; attempt++ {
		f.limiterForHost(upstream.Host).Take()
		metrics.UpstreamAttempts.WithLabelValues(reason).Inc()

		logger.Debug("{fetch - Fetch} Attempt %d/%d (%s identity): %s",
			attempt, f.config.MaxRetries, identity.Name, utils.LogURL(f.config, rawURL))

		resp, err := f.do(ctx, upstream, identity, rangeHeader)
		if err != nil {
			return nil, fmt.Errorf("upstream request failed: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			lastStatus = resp.StatusCode
			resp.Body.Close()

			if !triedFallback && attempt < f.config.MaxRetries {
				logger.Debug("{fetch - Fetch} Status %d with %s identity, falling back to browser identity",
					resp.StatusCode, identity.Name)
				identity = BrowserIdentity(f.config.BrowserUserAgent)
				triedFallback = true
				reason = "identity_fallback"
				continue
			}

		case resp.StatusCode >= 500:
			lastStatus = resp.StatusCode
			resp.Body.Close()

			if attempt < f.config.MaxRetries {
				logger.Debug("{fetch - Fetch} Status %d, retrying same identity after %s",
					resp.StatusCode, f.config.RetryBackoff)
				reason = "status_retry"
				select {
				case <-time.After(f.config.RetryBackoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}

		case resp.StatusCode >= 400:
			// other client errors are not retryable
			lastStatus = resp.StatusCode
			resp.Body.Close()

		default:
			return resp, nil
		}

		break
	}

	return nil, &UpstreamError{
		Status:  lastStatus,
		URL:     rawURL,
		Blocked: lastStatus == http.StatusUnauthorized || lastStatus == http.StatusForbidden,
	}
}

// do issues a single upstream request under the given identity.
func (f *Fetcher) do(ctx context.Context, upstream *url.URL, identity Identity, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream.String(), nil)
	if err != nil {
		return nil, err
	}
	identity.apply(req, upstream, rangeHeader)
	return f.Client.Do(req)
}

// limiterForHost returns the pacing limiter for an upstream host, creating it
// on first sight with a double-checked lock.
func (f *Fetcher) limiterForHost(host string) ratelimit.Limiter {
	f.limiterMu.RLock()
	limiter, exists := f.hostLimiters[host]
	f.limiterMu.RUnlock()

	if exists {
		return limiter
	}

	f.limiterMu.Lock()
	defer f.limiterMu.Unlock()

	if limiter, exists := f.hostLimiters[host]; exists {
		return limiter
	}

	limiter = ratelimit.New(f.config.OutboundPerHostRPS)
	f.hostLimiters[host] = limiter

	logger.Debug("{fetch - limiterForHost} Created outbound limiter for host %s: %d req/sec",
		host, f.config.OutboundPerHostRPS)

	return limiter
}
