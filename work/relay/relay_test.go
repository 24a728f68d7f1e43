package relay

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamResponse(status int, body []byte, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func TestRelayBytesPassThroughVerbatim(t *testing.T) {
	body := bytes.Repeat([]byte{0x47, 0x1f, 0xff}, 50000) // larger than one copy chunk

	resp := upstreamResponse(http.StatusOK, body, map[string]string{
		"Content-Type": "video/mp2t",
	})

	rec := httptest.NewRecorder()
	n, err := Relay(rec, resp, "/seg001.ts")
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, body, rec.Body.Bytes(), "relayed bytes must be identical")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRelayCopiesRangeHeaders(t *testing.T) {
	resp := upstreamResponse(http.StatusPartialContent, []byte("chunk"), map[string]string{
		"Content-Length": "5",
		"Content-Range":  "bytes 0-4/100",
		"Accept-Ranges":  "bytes",
	})

	rec := httptest.NewRecorder()
	_, err := Relay(rec, resp, "/movie.mp4")
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, rec.Code, "206 passes through")
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 0-4/100", rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestRelaySynthesizesAcceptRanges(t *testing.T) {
	resp := upstreamResponse(http.StatusOK, []byte("data"), map[string]string{
		"Content-Length": "4",
	})

	rec := httptest.NewRecorder()
	_, err := Relay(rec, resp, "/seg.ts")
	require.NoError(t, err)

	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"),
		"known length without Accept-Ranges gets the signal synthesized")
}

func TestRelayNoAcceptRangesWithoutLength(t *testing.T) {
	resp := upstreamResponse(http.StatusOK, []byte("live"), nil)

	rec := httptest.NewRecorder()
	_, err := Relay(rec, resp, "/live")
	require.NoError(t, err)

	assert.Empty(t, rec.Header().Get("Accept-Ranges"),
		"an unbounded live body must not advertise range support")
}

func TestRelayForcesTransportStreamType(t *testing.T) {
	resp := upstreamResponse(http.StatusOK, []byte("x"), map[string]string{
		"Content-Type": "text/plain",
	})

	rec := httptest.NewRecorder()
	_, err := Relay(rec, resp, "/stream/seg42.TS")
	require.NoError(t, err)

	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestRelayCacheControlAlwaysNoStore(t *testing.T) {
	resp := upstreamResponse(http.StatusOK, []byte("x"), map[string]string{
		"Content-Type": "video/mp4",
	})

	rec := httptest.NewRecorder()
	_, err := Relay(rec, resp, "/movie.mp4")
	require.NoError(t, err)

	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp2t", ContentType("/a/b/seg.ts", "application/octet-stream"))
	assert.Equal(t, "video/mp4", ContentType("/movie.mp4", "video/mp4"))
	assert.Equal(t, "application/octet-stream", ContentType("/thing.bin", ""))
}
