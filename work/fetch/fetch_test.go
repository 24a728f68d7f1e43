package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.TransportRetryDelay = 10 * time.Millisecond
	cfg.UpstreamTimeout = 5 * time.Second
	cfg.OutboundPerHostRPS = 1000
	return cfg
}

func TestFetchSuccessCarriesDeviceIdentity(t *testing.T) {
	cfg := testConfig()

	var gotUA, gotApp, gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotApp = r.Header.Get("X-Requested-With")
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(cfg)
	resp, err := f.Fetch(context.Background(), srv.URL, "bytes=0-1023")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, cfg.DeviceUserAgent, gotUA)
	assert.Equal(t, cfg.DeviceAppID, gotApp)
	assert.Equal(t, "bytes=0-1023", gotRange)
}

func TestFetchIdentityFallbackOn403(t *testing.T) {
	cfg := testConfig()

	var calls int32
	var secondUA, secondApp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		secondUA = r.Header.Get("User-Agent")
		secondApp = r.Header.Get("X-Requested-With")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(cfg)
	resp, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, cfg.BrowserUserAgent, secondUA, "fallback must present the browser identity")
	assert.Empty(t, secondApp, "browser identity carries no app identifier")
}

func TestFetchExhaustsAttemptsOnPersistent403(t *testing.T) {
	cfg := testConfig()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(cfg)
	_, err := f.Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusForbidden, upstreamErr.Status)
	assert.True(t, upstreamErr.Blocked)
	assert.Equal(t, int32(cfg.MaxRetries), atomic.LoadInt32(&calls))
}

func TestFetchRetriesSameIdentityOn5xx(t *testing.T) {
	cfg := testConfig()

	var uas []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uas = append(uas, r.Header.Get("User-Agent"))
		if len(uas) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(cfg)
	resp, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, uas, 2)
	assert.Equal(t, uas[0], uas[1], "5xx retry must keep the same identity")
	assert.Equal(t, cfg.DeviceUserAgent, uas[1])
}

func TestFetchBoundedRetriesOnPersistent5xx(t *testing.T) {
	cfg := testConfig()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(cfg)
	_, err := f.Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusBadGateway, upstreamErr.Status)
	assert.False(t, upstreamErr.Blocked)
	assert.Equal(t, int32(cfg.MaxRetries), atomic.LoadInt32(&calls))
}

func TestFetchDoesNotRetryOther4xx(t *testing.T) {
	cfg := testConfig()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(cfg)
	_, err := f.Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusNotFound, upstreamErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "404 is final, no retry")
}

func TestFetchTransportErrorReturnsImmediately(t *testing.T) {
	cfg := testConfig()
	f := New(cfg)

	// closed port; the dial fails without producing an UpstreamError
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1", "")
	require.Error(t, err)

	var upstreamErr *UpstreamError
	assert.False(t, errors.As(err, &upstreamErr))
}
