package xtream

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/config"
	"streamgate/work/fetch"
)

func testPortal(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.OutboundPerHostRPS = 1000
	cfg.RetryBackoff = time.Millisecond

	return NewClient(&config.SourceConfig{
		Name:     "portal",
		URL:      srv.URL + "/",
		Username: "user",
		Password: "pass",
	}, fetch.New(cfg))
}

func TestDirectURLFormats(t *testing.T) {
	c := &Client{Base: "http://portal.example.com", Username: "u", Password: "p"}

	assert.Equal(t, "http://portal.example.com/live/u/p/42.ts", c.LiveURL(42))
	assert.Equal(t, "http://portal.example.com/movie/u/p/7.mkv", c.VODURL(7, "mkv"))
	assert.Equal(t, "http://portal.example.com/movie/u/p/7.mp4", c.VODURL(7, ""))
	assert.Equal(t, "http://portal.example.com/series/u/p/9001.mp4", c.EpisodeURL("9001", "mp4"))
	assert.Equal(t, "http://portal.example.com/series/u/p/9001.mp4", c.EpisodeURL("9001", ""))
}

func TestNewClientTrimsTrailingSlash(t *testing.T) {
	c := NewClient(&config.SourceConfig{URL: "http://portal.example.com/"}, nil)
	assert.Equal(t, "http://portal.example.com", c.Base)
}

func TestLiveStreams(t *testing.T) {
	c := testPortal(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/player_api.php", r.URL.Path)
		require.Equal(t, "user", r.URL.Query().Get("username"))
		require.Equal(t, "get_live_streams", r.URL.Query().Get("action"))
		w.Write([]byte(`[{"stream_id":1,"name":"BBC One","epg_channel_id":"bbc1.uk"}]`))
	})

	streams, err := c.LiveStreams(t.Context())
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, 1, streams[0].StreamID)
	assert.Equal(t, "BBC One", streams[0].Name)
	assert.Equal(t, c.Base+"/live/user/pass/1.ts", c.LiveURL(streams[0].StreamID))
}

func TestExpandSeries(t *testing.T) {
	c := testPortal(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.RawQuery, "action=get_series_info")
		require.Contains(t, r.URL.RawQuery, "series_id=12")
		w.Write([]byte(`{"episodes":{
			"1":[{"id":"100","episode_num":1,"title":"Pilot","container_extension":"mp4","season":1}],
			"2":[{"id":"200","episode_num":1,"title":"Return","container_extension":"mkv","season":2},
			     {"id":"","episode_num":2,"title":"Broken","container_extension":"mp4","season":2}]
		}}`))
	})

	episodes, err := c.ExpandSeries(t.Context(), 12)
	require.NoError(t, err)
	require.Len(t, episodes, 2, "episodes without an id are skipped")

	urls := map[string]string{}
	for _, ep := range episodes {
		urls[ep.ID] = ep.MediaURL
	}
	assert.Equal(t, c.Base+"/series/user/pass/100.mp4", urls["100"])
	assert.Equal(t, c.Base+"/series/user/pass/200.mkv", urls["200"])
}

func TestCallPropagatesDecodeErrors(t *testing.T) {
	c := testPortal(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login</html>"))
	})

	_, err := c.LiveStreams(t.Context())
	assert.Error(t, err)
}
