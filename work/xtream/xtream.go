package xtream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"streamgate/work/config"
	"streamgate/work/fetch"
	"streamgate/work/logger"
)

// Client talks to a single Xtream-Codes portal. Requests go through the
// shared Fetcher so they carry the same identity headers and per-host
// pacing as stream traffic.
type Client struct {
	Base     string
	Username string
	Password string
	Fetcher  *fetch.Fetcher
}

// LiveStream is one entry from the get_live_streams endpoint.
type LiveStream struct {
	StreamID     int    `json:"stream_id"`
	Name         string `json:"name"`
	CategoryID   string `json:"category_id"`
	StreamIcon   string `json:"stream_icon"`
	EpgChannelID string `json:"epg_channel_id"`
}

// VODStream is one entry from the get_vod_streams endpoint.
type VODStream struct {
	StreamID           int    `json:"stream_id"`
	Name               string `json:"name"`
	CategoryID         string `json:"category_id"`
	StreamIcon         string `json:"stream_icon"`
	ContainerExtension string `json:"container_extension"`
}

// Series is one entry from the get_series endpoint.
type Series struct {
	SeriesID   int    `json:"series_id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
	Cover      string `json:"cover"`
}

// Episode is one episode from a get_series_info response. The portal keys
// episodes by season number; ID is the media identifier used to build the
// direct stream URL.
type Episode struct {
	ID                 string `json:"id"`
	EpisodeNum         int    `json:"episode_num"`
	Title              string `json:"title"`
	ContainerExtension string `json:"container_extension"`
	Season             int    `json:"season"`
}

// SeriesInfo is the get_series_info response, reduced to what URL
// construction needs.
type SeriesInfo struct {
	Episodes map[string][]Episode `json:"episodes"`
}

// ExpandedEpisode pairs an episode with its playable direct URL.
type ExpandedEpisode struct {
	Episode
	MediaURL string
}

// NewClient builds a portal client from a source configuration.
func NewClient(source *config.SourceConfig, fetcher *fetch.Fetcher) *Client {
	return &Client{
		Base:     strings.TrimRight(source.URL, "/"),
		Username: source.Username,
		Password: source.Password,
		Fetcher:  fetcher,
	}
}

// LiveStreams fetches the portal's live channel list.
func (c *Client) LiveStreams(ctx context.Context) ([]LiveStream, error) {
	var out []LiveStream
	if err := c.call(ctx, "get_live_streams", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VODStreams fetches the portal's movie list.
func (c *Client) VODStreams(ctx context.Context) ([]VODStream, error) {
	var out []VODStream
	if err := c.call(ctx, "get_vod_streams", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Series fetches the portal's series list.
func (c *Client) Series(ctx context.Context) ([]Series, error) {
	var out []Series
	if err := c.call(ctx, "get_series", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SeriesInfo fetches season/episode detail for one series.
func (c *Client) SeriesInfo(ctx context.Context, seriesID int) (*SeriesInfo, error) {
	var out SeriesInfo
	action := fmt.Sprintf("get_series_info&series_id=%d", seriesID)
	if err := c.call(ctx, action, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpandSeries flattens a series into playable episodes ordered by the
// portal's season keys, each carrying its direct media URL. Those URLs feed
// the proxy exactly like any live channel URL.
func (c *Client) ExpandSeries(ctx context.Context, seriesID int) ([]ExpandedEpisode, error) {
	info, err := c.SeriesInfo(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	var expanded []ExpandedEpisode
	for _, episodes := range info.Episodes {
		for _, ep := range episodes {
			if ep.ID == "" {
				continue
			}
			expanded = append(expanded, ExpandedEpisode{
				Episode:  ep,
				MediaURL: c.EpisodeURL(ep.ID, ep.ContainerExtension),
			})
		}
	}

	logger.Debug("{xtream - ExpandSeries} Series %d expanded to %d episodes", seriesID, len(expanded))
	return expanded, nil
}

// LiveURL builds the direct URL for a live channel.
func (c *Client) LiveURL(streamID int) string {
	return fmt.Sprintf("%s/live/%s/%s/%d.ts", c.Base, c.Username, c.Password, streamID)
}

// VODURL builds the direct URL for a movie.
func (c *Client) VODURL(streamID int, ext string) string {
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("%s/movie/%s/%s/%d.%s", c.Base, c.Username, c.Password, streamID, ext)
}

// EpisodeURL builds the direct URL for a series episode.
func (c *Client) EpisodeURL(episodeID, ext string) string {
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("%s/series/%s/%s/%s.%s", c.Base, c.Username, c.Password, episodeID, ext)
}

// call performs one player_api request and decodes the JSON response.
func (c *Client) call(ctx context.Context, action string, out interface{}) error {
	apiURL := fmt.Sprintf("%s/player_api.php?username=%s&password=%s&action=%s",
		c.Base, url.QueryEscape(c.Username), url.QueryEscape(c.Password), action)

	resp, err := c.Fetcher.Fetch(ctx, apiURL, "")
	if err != nil {
		return fmt.Errorf("xtream %s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("xtream %s read failed: %w", action, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("xtream %s decode failed: %w", action, err)
	}

	return nil
}
