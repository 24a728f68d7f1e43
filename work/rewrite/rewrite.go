package rewrite

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"streamgate/work/logger"
)

// MimeTypeHLS is the content type forced onto every rewritten manifest.
const MimeTypeHLS = "application/vnd.apple.mpegurl"

// uriAttrPattern matches URI="..." attributes inside tag lines such as
// #EXT-X-KEY and #EXT-X-MEDIA. All occurrences on a line are rewritten.
var uriAttrPattern = regexp.MustCompile(`URI="([^"]*)"`)

// IsHLSManifest reports whether the body starts with the HLS magic marker.
// Anything else is treated as opaque content and passed through unmodified.
func IsHLSManifest(body string) bool {
	return strings.HasPrefix(strings.TrimLeftFunc(body, isSpace), "#EXTM3U")
}

// IsMasterPlaylist reports whether manifest content references variant
// streams rather than media segments.
func IsMasterPlaylist(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}

// IsMediaPlaylist reports whether manifest content carries media segments.
func IsMediaPlaylist(content string) bool {
	return strings.Contains(content, "#EXTINF") || strings.Contains(content, "#EXT-X-TARGETDURATION")
}

// IsManifestResponse classifies an upstream response as an HLS manifest from
// its content type and URL path. Either signal alone is enough; origins
// frequently mislabel or omit the content type.
func IsManifestResponse(contentType, urlPath string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") {
		return true
	}
	lowerPath := strings.ToLower(urlPath)
	return strings.HasSuffix(lowerPath, ".m3u8") || strings.HasSuffix(lowerPath, ".m3u")
}

// Rewrite rewrites an HLS manifest so every referenced resource routes back
// through the proxy. Relative references are resolved against finalURL, the
// upstream URL after redirects, since redirects may have moved the effective
// base. Resource lines become proxyBase?url=<escaped-absolute>; URI="..."
// attributes inside tag lines get the same treatment. A line whose URL fails
// to resolve is left untouched rather than failing the whole manifest.
//
// Non-HLS bodies are returned unchanged.
func Rewrite(body string, finalURL *url.URL, proxyBase string) string {
	if !IsHLSManifest(body) {
		logger.Debug("{rewrite - Rewrite} Body lacks #EXTM3U marker, passing through unmodified")
		return body
	}

	lines := strings.Split(body, "\n")
	rewritten := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			rewritten = append(rewritten, line)

		case strings.HasPrefix(trimmed, "#"):
			if strings.Contains(trimmed, `URI="`) {
				rewritten = append(rewritten, rewriteURIAttrs(line, finalURL, proxyBase))
			} else {
				rewritten = append(rewritten, line)
			}

		default:
			abs, ok := resolveReference(trimmed, finalURL)
			if !ok {
				rewritten = append(rewritten, line)
				continue
			}
			rewritten = append(rewritten, proxyURL(proxyBase, abs))
		}
	}

	return strings.Join(rewritten, "\n")
}

// rewriteURIAttrs rewrites every URI="..." attribute on a tag line.
func rewriteURIAttrs(line string, base *url.URL, proxyBase string) string {
	return uriAttrPattern.ReplaceAllStringFunc(line, func(match string) string {
		sub := uriAttrPattern.FindStringSubmatch(match)
		if len(sub) < 2 || sub[1] == "" {
			return match
		}
		abs, ok := resolveReference(sub[1], base)
		if !ok {
			return match
		}
		return `URI="` + proxyURL(proxyBase, abs) + `"`
	})
}

// resolveReference resolves a manifest reference to absolute form against
// the manifest's own URL. Already-absolute references pass through.
func resolveReference(ref string, base *url.URL) (string, bool) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, true
	}

	rel, err := url.Parse(ref)
	if err != nil {
		logger.Debug("{rewrite - resolveReference} Unparseable reference %q, leaving line as-is", ref)
		return "", false
	}

	return base.ResolveReference(rel).String(), true
}

// proxyURL builds the proxied form of an absolute upstream URL.
func proxyURL(proxyBase, absolute string) string {
	return proxyBase + "?url=" + url.QueryEscape(absolute)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}
