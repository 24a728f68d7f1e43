package relay

import (
	"io"
	"net/http"
	"strings"

	"github.com/valyala/bytebufferpool"

	"streamgate/work/logger"
	"streamgate/work/metrics"
)

// copyBufferSize is the chunk size for streaming upstream bodies to clients.
const copyBufferSize = 64 * 1024

// bufPool recycles copy buffers across relays so long-lived live streams do
// not churn allocations per chunk.
var bufPool bytebufferpool.Pool

// Relay streams a non-manifest upstream response back to the client verbatim,
// preserving range semantics. Bodies are never buffered whole; data is copied
// chunk by chunk and flushed so live streams progress in real time. Returns
// the number of bytes relayed.
//
// Header policy:
//   - Content-Length, Content-Range, Accept-Ranges copy through when present.
//   - Accept-Ranges: bytes is synthesized when a length is known but the
//     upstream stayed silent, since static segment responses are almost
//     always range-capable and players need the signal to seek.
//   - Transport-stream segments are forced to video/mp2t; origins mislabel
//     them routinely.
//   - Cache-Control: no-store on everything; IPTV content must never be
//     served stale by an intermediate cache.
//
// The upstream status code passes through untouched, notably 206 for range
// responses.
func Relay(w http.ResponseWriter, resp *http.Response, upstreamPath string) (int64, error) {
	h := w.Header()

	contentLength := resp.Header.Get("Content-Length")
	if contentLength != "" {
		h.Set("Content-Length", contentLength)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		h.Set("Content-Range", cr)
	}
	if ar := resp.Header.Get("Accept-Ranges"); ar != "" {
		h.Set("Accept-Ranges", ar)
	} else if contentLength != "" {
		h.Set("Accept-Ranges", "bytes")
	}

	h.Set("Content-Type", ContentType(upstreamPath, resp.Header.Get("Content-Type")))
	h.Set("Cache-Control", "no-store")

	w.WriteHeader(resp.StatusCode)

	metrics.ActiveRelays.Inc()
	defer metrics.ActiveRelays.Dec()

	flusher, _ := w.(http.Flusher)

	buf := bufPool.Get()
	if cap(buf.B) < copyBufferSize {
		buf.B = make([]byte, copyBufferSize)
	}
	buf.B = buf.B[:cap(buf.B)]
	defer bufPool.Put(buf)

	var total int64
	for {
		n, readErr := resp.Body.Read(buf.B)
		if n > 0 {
			written, writeErr := w.Write(buf.B[:n])
			total += int64(written)
			metrics.BytesRelayed.WithLabelValues("media").Add(float64(written))
			if flusher != nil {
				flusher.Flush()
			}
			if writeErr != nil {
				// client went away; the caller's context cancellation
				// aborts the upstream read
				logger.Debug("{relay - Relay} Client write failed after %d bytes: %v", total, writeErr)
				return total, writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}

// ContentType picks the response content type for a relayed resource.
// Transport-stream segments get video/mp2t regardless of what the origin
// claimed; otherwise the upstream's type wins, with a generic binary
// fallback when the origin sent nothing.
func ContentType(upstreamPath, upstreamContentType string) string {
	if strings.HasSuffix(strings.ToLower(upstreamPath), ".ts") {
		return "video/mp2t"
	}
	if upstreamContentType != "" {
		return upstreamContentType
	}
	return "application/octet-stream"
}
