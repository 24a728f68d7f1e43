package playlist

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/config"
	"streamgate/work/fetch"
	"streamgate/work/logger"
	"streamgate/work/utils"
	"streamgate/work/xtream"
)

// importTimeout bounds one full import cycle across every source.
const importTimeout = 2 * time.Minute

// Importer pulls channel lists from every configured source and merges them
// into a single channel map keyed by sanitized channel name. Sources with
// credentials are treated as Xtream-Codes portals, the rest as raw M3U URLs.
type Importer struct {
	Config   *config.Config
	Fetcher  *fetch.Fetcher
	Channels *xsync.MapOf[string, *Channel]
	Cache    *Cache

	pool      *ants.Pool
	importMu  sync.Mutex
	refreshMu sync.Mutex
	stopCh    chan struct{}
}

// NewImporter builds the importer with a bounded worker pool for source
// fetches.
func NewImporter(cfg *config.Config, fetcher *fetch.Fetcher, cache *Cache) (*Importer, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &Importer{
		Config:   cfg,
		Fetcher:  fetcher,
		Channels: xsync.NewMapOf[string, *Channel](),
		Cache:    cache,
		pool:     pool,
	}, nil
}

// ImportStreams runs one import cycle: every source is fetched on the worker
// pool, parsed, and merged. Only one cycle runs at a time; the channel map is
// swapped in wholesale so readers never see a half-imported state.
func (im *Importer) ImportStreams() {
	im.importMu.Lock()
	defer im.importMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), importTimeout)
	defer cancel()

	sources := im.Config.GetSourcesByOrder()
	logger.Info("{playlist - ImportStreams} Starting import from %d sources", len(sources))

	fresh := xsync.NewMapOf[string, *Channel]()
	var wg sync.WaitGroup

	for i := range sources {
		source := &sources[i]
		wg.Add(1)
		err := im.pool.Submit(func() {
			defer wg.Done()
			streams := im.importSource(ctx, source)
			im.mergeStreams(fresh, streams)
		})
		if err != nil {
			wg.Done()
			logger.Error("{playlist - ImportStreams} Failed to submit source %s: %v", source.Name, err)
		}
	}

	wg.Wait()

	total := 0
	fresh.Range(func(name string, ch *Channel) bool {
		total++
		return true
	})

	im.Channels.Clear()
	fresh.Range(func(name string, ch *Channel) bool {
		im.Channels.Store(name, ch)
		return true
	})

	if im.Cache != nil {
		im.Cache.Invalidate()
	}

	logger.Info("{playlist - ImportStreams} Import complete: %d channels", total)
}

// importSource fetches and parses one source's channel list.
func (im *Importer) importSource(ctx context.Context, source *config.SourceConfig) []*Stream {
	if source.Username != "" && source.Password != "" {
		return im.importXtream(ctx, source)
	}
	return im.importM3U(ctx, source)
}

// importM3U downloads a raw M3U playlist and parses it.
func (im *Importer) importM3U(ctx context.Context, source *config.SourceConfig) []*Stream {
	resp, err := im.Fetcher.Fetch(ctx, source.URL, "")
	if err != nil {
		logger.Error("{playlist - importM3U} Source %s fetch failed: %v", source.Name, err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("{playlist - importM3U} Source %s read failed: %v", source.Name, err)
		return nil
	}

	streams := ParseM3U(string(body), source)
	logger.Info("{playlist - importM3U} Source %s: %d streams", source.Name, len(streams))
	return streams
}

// importXtream walks an Xtream-Codes portal: live channels, movies, and
// series expanded down to individual episodes.
func (im *Importer) importXtream(ctx context.Context, source *config.SourceConfig) []*Stream {
	client := xtream.NewClient(source, im.Fetcher)
	var streams []*Stream

	live, err := client.LiveStreams(ctx)
	if err != nil {
		logger.Error("{playlist - importXtream} Source %s live list failed: %v", source.Name, err)
	}
	for _, ls := range live {
		streams = append(streams, &Stream{
			URL:    client.LiveURL(ls.StreamID),
			Name:   ls.Name,
			Kind:   Classify(ls.Name, "", nil),
			Source: source,
			Attributes: map[string]string{
				"tvg-id":   ls.EpgChannelID,
				"tvg-logo": ls.StreamIcon,
			},
		})
	}

	vods, err := client.VODStreams(ctx)
	if err != nil {
		logger.Error("{playlist - importXtream} Source %s vod list failed: %v", source.Name, err)
	}
	for _, vs := range vods {
		streams = append(streams, &Stream{
			URL:    client.VODURL(vs.StreamID, vs.ContainerExtension),
			Name:   vs.Name,
			Kind:   KindMovie,
			Source: source,
			Attributes: map[string]string{
				"tvg-logo": vs.StreamIcon,
			},
		})
	}

	series, err := client.Series(ctx)
	if err != nil {
		logger.Error("{playlist - importXtream} Source %s series list failed: %v", source.Name, err)
	}
	for _, sr := range series {
		if ctx.Err() != nil {
			logger.Warn("{playlist - importXtream} Source %s import timed out during series expansion", source.Name)
			break
		}
		episodes, err := client.ExpandSeries(ctx, sr.SeriesID)
		if err != nil {
			logger.Error("{playlist - importXtream} Source %s series %d failed: %v", source.Name, sr.SeriesID, err)
			continue
		}
		for _, ep := range episodes {
			name := sr.Name
			if ep.Season > 0 || ep.EpisodeNum > 0 {
				name = utils.SanitizeChannelName(sr.Name) + " " + episodeLabel(ep.Season, ep.EpisodeNum)
			}
			streams = append(streams, &Stream{
				URL:    ep.MediaURL,
				Name:   name,
				Kind:   KindSeries,
				Source: source,
				Attributes: map[string]string{
					"tvg-logo": sr.Cover,
				},
			})
		}
	}

	logger.Info("{playlist - importXtream} Source %s: %d streams", source.Name, len(streams))
	return streams
}

// mergeStreams folds a source's streams into the shared map, grouping
// duplicate channel names so later sources add failover URLs instead of
// duplicate entries.
func (im *Importer) mergeStreams(channels *xsync.MapOf[string, *Channel], streams []*Stream) {
	for _, stream := range streams {
		name := utils.SanitizeChannelName(stream.Name)
		if name == "" {
			continue
		}

		channel, _ := channels.LoadOrStore(name, &Channel{Name: name})
		channel.Mu.Lock()
		channel.Streams = append(channel.Streams, stream)
		channel.Mu.Unlock()
	}
}

// StartRefresh runs periodic imports until StopRefresh is called. The first
// import runs immediately. A second call while a loop is running is a no-op,
// and the loop can be started again after StopRefresh, which is what a
// config reload does.
func (im *Importer) StartRefresh() {
	im.refreshMu.Lock()
	if im.stopCh != nil {
		im.refreshMu.Unlock()
		return
	}
	stop := make(chan struct{})
	im.stopCh = stop
	im.refreshMu.Unlock()

	go func() {
		im.ImportStreams()

		ticker := time.NewTicker(im.Config.ImportRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				im.ImportStreams()
			case <-stop:
				return
			}
		}
	}()
}

// StopRefresh halts the refresh loop if one is running.
func (im *Importer) StopRefresh() {
	im.refreshMu.Lock()
	if im.stopCh != nil {
		close(im.stopCh)
		im.stopCh = nil
	}
	im.refreshMu.Unlock()
}

// Close stops the refresh loop and releases the worker pool.
func (im *Importer) Close() {
	im.StopRefresh()
	im.pool.Release()
}

func episodeLabel(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}
