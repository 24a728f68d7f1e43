package playlist

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/config"
)

func testSource() *config.SourceConfig {
	return &config.SourceConfig{Name: "test", URL: "http://provider.example.com/list.m3u", Order: 1}
}

func TestParseM3UFallbackScanner(t *testing.T) {
	content := `#EXTM3U
#EXTINF:-1 tvg-id="bbc1.uk" tvg-logo="http://logos/bbc1.png" group-title="UK",BBC One
http://provider.example.com/live/1.ts

#EXTINF:-1,Plain Channel
http://provider.example.com/live/2.ts
#EXT-X-SOMETHING:ignored
#EXTINF:-1 tvg-name="Named",
http://provider.example.com/live/3.ts
`

	streams := ParseM3U(content, testSource())
	require.Len(t, streams, 3)

	assert.Equal(t, "BBC One", streams[0].Name)
	assert.Equal(t, "http://provider.example.com/live/1.ts", streams[0].URL)
	assert.Equal(t, "bbc1.uk", streams[0].Attributes["tvg-id"])
	assert.Equal(t, "UK", streams[0].Attributes["group-title"])

	assert.Equal(t, "Plain Channel", streams[1].Name)

	assert.Equal(t, "Named", streams[2].Name, "tvg-name fills in a missing display name")
}

func TestParseM3UBareURLList(t *testing.T) {
	content := "#EXTM3U\nhttp://a.example.com/x.ts\nhttp://b.example.com/y.ts\n"

	streams := ParseM3U(content, testSource())
	require.Len(t, streams, 2)
	assert.Equal(t, "http://a.example.com/x.ts", streams[0].Name, "URL doubles as name when EXTINF is absent")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		url   string
		attrs map[string]string
		want  Kind
	}{
		{"BBC One", "http://p/live/1.ts", nil, KindLive},
		{"Some Film", "http://p/movie/42.mp4", nil, KindMovie},
		{"Show S01E03", "http://p/live/9.ts", nil, KindSeries},
		{"Breaking Story", "http://p/series/8/1.mp4", nil, KindSeries},
		{"ESPN HD", "http://p/live/7.ts", nil, KindSports},
		{"Channel", "http://p/live/5.ts", map[string]string{"group-title": "VOD Action"}, KindMovie},
		{"Channel", "http://p/live/6.ts", map[string]string{"group-title": "Sports Extra"}, KindSports},
	}

	for _, tc := range cases {
		got := Classify(tc.name, tc.url, tc.attrs)
		assert.Equal(t, tc.want, got, "%s / %s", tc.name, tc.url)
	}
}

func TestMergeStreamsGroupsDuplicates(t *testing.T) {
	im := &Importer{Channels: xsync.NewMapOf[string, *Channel]()}
	target := xsync.NewMapOf[string, *Channel]()

	src := testSource()
	im.mergeStreams(target, []*Stream{
		{URL: "http://a/1.ts", Name: "BBC One", Source: src},
		{URL: "http://b/1.ts", Name: "BBC One", Source: src},
		{URL: "http://a/2.ts", Name: "BBC Two", Source: src},
	})

	ch, ok := target.Load("BBC_One")
	require.True(t, ok)
	assert.Len(t, ch.Streams, 2, "same-name entries merge into failover candidates")

	_, ok = target.Load("BBC_Two")
	assert.True(t, ok)
}

func TestGeneratorRendersProxiedURLs(t *testing.T) {
	cfg := config.Default()
	cfg.CacheEnabled = false

	channels := xsync.NewMapOf[string, *Channel]()
	channels.Store("News_24", &Channel{
		Name: "News_24",
		Streams: []*Stream{{
			URL:        "http://provider.example.com/live/55.ts",
			Name:       "News 24",
			Kind:       KindLive,
			Attributes: map[string]string{"tvg-id": "news24", "tvg-logo": "http://logos/n24.png"},
		}},
	})

	gen := &Generator{Config: cfg, Importer: &Importer{Config: cfg, Channels: channels}}

	r := httptest.NewRequest(http.MethodGet, "/playlist", nil)
	r.Host = "proxy.local"
	rec := httptest.NewRecorder()
	gen.HandlePlaylist(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, `tvg-id="news24"`)
	assert.Contains(t, body, `group-title="Live"`)
	assert.Contains(t, body,
		"http://proxy.local/stream-proxy?url="+url.QueryEscape("http://provider.example.com/live/55.ts"))
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
}

func TestGeneratorGroupFilter(t *testing.T) {
	cfg := config.Default()
	cfg.CacheEnabled = false

	channels := xsync.NewMapOf[string, *Channel]()
	channels.Store("Live_One", &Channel{Name: "Live_One", Streams: []*Stream{
		{URL: "http://p/1.ts", Name: "Live One", Kind: KindLive},
	}})
	channels.Store("Film_Two", &Channel{Name: "Film_Two", Streams: []*Stream{
		{URL: "http://p/2.mp4", Name: "Film Two", Kind: KindMovie},
	}})

	gen := &Generator{Config: cfg, Importer: &Importer{Config: cfg, Channels: channels}}

	router := mux.NewRouter()
	router.HandleFunc("/{group}/playlist", gen.HandlePlaylist)

	r := httptest.NewRequest(http.MethodGet, "/movies/playlist", nil)
	r.Host = "proxy.local"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)

	body := rec.Body.String()
	assert.Contains(t, body, "Film_Two")
	assert.NotContains(t, body, "Live_One")
}

func TestCacheRoundTrip(t *testing.T) {
	cache, err := NewCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.Get("")
	assert.False(t, ok)

	cache.Set("", "#EXTM3U\n")
	body, ok := cache.Get("")
	require.True(t, ok)
	assert.Equal(t, "#EXTM3U\n", body)

	cache.Invalidate()
	time.Sleep(10 * time.Millisecond)
	_, ok = cache.Get("")
	assert.False(t, ok)
}
