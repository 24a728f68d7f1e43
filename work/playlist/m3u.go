package playlist

import (
	"bufio"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"streamgate/work/config"
	"streamgate/work/logger"
)

// extinfAttrPattern extracts key="value" attribute pairs from EXTINF lines.
var extinfAttrPattern = regexp.MustCompile(`([a-zA-Z0-9-]+)="([^"]*)"`)

// ParseM3U parses playlist text into streams. Well-formed HLS playlists go
// through the grafov decoder; the many almost-M3U channel lists providers
// actually ship fall back to a line scanner that also recovers tvg-*
// attributes the decoder does not keep.
func ParseM3U(content string, source *config.SourceConfig) []*Stream {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(content)), true)
	if err == nil {
		if streams := parseWithGrafov(playlist, listType, source); len(streams) > 0 {
			logger.Debug("{playlist - ParseM3U} Decoded %d entries with grafov parser for source %s", len(streams), source.Name)
			return streams
		}
	} else {
		logger.Debug("{playlist - ParseM3U} Grafov decode failed for source %s, using fallback scanner: %v", source.Name, err)
	}

	return parseFallback(content, source)
}

// parseWithGrafov maps a decoded playlist onto streams. Master playlists
// yield one stream per variant; media playlists yield one per segment,
// which is how flat provider channel lists decode.
func parseWithGrafov(playlist m3u8.Playlist, listType m3u8.ListType, source *config.SourceConfig) []*Stream {
	var streams []*Stream

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		for _, variant := range master.Variants {
			if variant == nil || variant.URI == "" {
				continue
			}
			name := variant.Name
			if name == "" {
				name = variant.Resolution
			}
			if name == "" {
				name = variant.URI
			}
			streams = append(streams, newStream(name, variant.URI, map[string]string{}, source))
		}

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		for _, segment := range media.Segments {
			if segment == nil || segment.URI == "" {
				continue
			}
			name := segment.Title
			if name == "" {
				name = segment.URI
			}
			streams = append(streams, newStream(name, segment.URI, map[string]string{}, source))
		}
	}

	return streams
}

// parseFallback scans EXTINF/URL line pairs, tolerating the attribute soup
// and blank-line noise of real provider lists.
func parseFallback(content string, source *config.SourceConfig) []*Stream {
	var streams []*Stream

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var pendingName string
	var pendingAttrs map[string]string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "" || line == "#EXTM3U":
			continue

		case strings.HasPrefix(line, "#EXTINF"):
			pendingName, pendingAttrs = parseExtinf(line)

		case strings.HasPrefix(line, "#"):
			continue

		default:
			if pendingName == "" {
				pendingName = line
			}
			if pendingAttrs == nil {
				pendingAttrs = map[string]string{}
			}
			streams = append(streams, newStream(pendingName, line, pendingAttrs, source))
			pendingName, pendingAttrs = "", nil
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("{playlist - parseFallback} Scanner error for source %s: %v", source.Name, err)
	}

	return streams
}

// parseExtinf pulls the display name and attribute map out of an EXTINF line.
// The name is everything after the last comma outside the attribute section.
func parseExtinf(line string) (string, map[string]string) {
	attrs := make(map[string]string)
	for _, match := range extinfAttrPattern.FindAllStringSubmatch(line, -1) {
		if len(match) >= 3 {
			attrs[strings.ToLower(match[1])] = match[2]
		}
	}

	name := ""
	if idx := strings.LastIndex(line, ","); idx >= 0 && idx+1 < len(line) {
		name = strings.TrimSpace(line[idx+1:])
	}
	if name == "" {
		name = attrs["tvg-name"]
	}

	return name, attrs
}

// newStream builds a classified stream entry.
func newStream(name, rawURL string, attrs map[string]string, source *config.SourceConfig) *Stream {
	return &Stream{
		URL:        rawURL,
		Name:       name,
		Kind:       Classify(name, rawURL, attrs),
		Attributes: attrs,
		Source:     source,
	}
}
