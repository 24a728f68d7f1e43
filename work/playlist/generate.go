package playlist

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/proxy"
)

// Generator renders the merged channel map as an M3U playlist whose entry
// URLs all route through the stream proxy.
type Generator struct {
	Config   *config.Config
	Importer *Importer
	Cache    *Cache
}

// HandlePlaylist serves the full playlist or, when the route carries a
// {group} variable, only the channels of that content group.
func (g *Generator) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	group := strings.ToLower(mux.Vars(r)["group"])

	if g.Config.CacheEnabled && g.Cache != nil {
		if body, ok := g.Cache.Get(group); ok {
			logger.Debug("{playlist - HandlePlaylist} Cache hit for group %q", group)
			writePlaylist(w, body)
			return
		}
	}

	proxyBase := proxy.BaseURL(g.Config, r) + "/stream-proxy"
	body := g.render(group, proxyBase)

	if g.Config.CacheEnabled && g.Cache != nil {
		g.Cache.Set(group, body)
	}

	writePlaylist(w, body)
}

// render walks the channel map and emits one EXTINF entry per channel,
// first stream wins. Channels sort by group then name so players show a
// stable list across refreshes.
func (g *Generator) render(group, proxyBase string) string {
	var channels []*Channel
	g.Importer.Channels.Range(func(name string, ch *Channel) bool {
		channels = append(channels, ch)
		return true
	})

	sort.Slice(channels, func(i, j int) bool {
		return channels[i].Name < channels[j].Name
	})

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")

	count := 0
	for _, channel := range channels {
		channel.Mu.RLock()
		var stream *Stream
		if len(channel.Streams) > 0 {
			stream = channel.Streams[0]
		}
		channel.Mu.RUnlock()

		if stream == nil {
			continue
		}
		if group != "" && strings.ToLower(stream.Kind.String()) != group {
			continue
		}

		writeEntry(&sb, channel.Name, stream, proxyBase)
		count++
	}

	logger.Debug("{playlist - render} Generated playlist with %d channels for group %q", count, group)
	return sb.String()
}

// writeEntry emits one EXTINF line plus the proxied URL.
func writeEntry(sb *strings.Builder, name string, stream *Stream, proxyBase string) {
	sb.WriteString("#EXTINF:-1")

	if id := stream.Attributes["tvg-id"]; id != "" {
		fmt.Fprintf(sb, ` tvg-id="%s"`, id)
	}
	if logo := stream.Attributes["tvg-logo"]; logo != "" {
		fmt.Fprintf(sb, ` tvg-logo="%s"`, logo)
	}
	fmt.Fprintf(sb, ` group-title="%s"`, stream.Kind.String())

	sb.WriteString("," + name + "\n")
	sb.WriteString(proxyBase + "?url=" + url.QueryEscape(stream.URL) + "\n")
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u8"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
