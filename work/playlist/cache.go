package playlist

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"streamgate/work/logger"
)

// Cache holds rendered playlist bodies so repeated player refreshes do not
// re-walk the channel map. Entries expire on the configured duration.
type Cache struct {
	cache *ristretto.Cache[string, string]
	ttl   time.Duration
}

// NewCache builds the playlist cache. Rendered playlists are large but few,
// so the cost budget is sized in bytes with the body length as the cost.
func NewCache(ttl time.Duration) (*Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e4,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create playlist cache: %w", err)
	}

	return &Cache{cache: cache, ttl: ttl}, nil
}

// Get returns a cached playlist body for the group key, if present.
func (c *Cache) Get(group string) (string, bool) {
	return c.cache.Get(groupKey(group))
}

// Set stores a rendered playlist body under the group key.
func (c *Cache) Set(group, body string) {
	c.cache.SetWithTTL(groupKey(group), body, int64(len(body)), c.ttl)
	c.cache.Wait()
}

// Invalidate drops every cached playlist. Called after an import cycle so
// players see new channels on their next refresh.
func (c *Cache) Invalidate() {
	c.cache.Clear()
	logger.Debug("{playlist - Invalidate} Playlist cache cleared")
}

// Close releases the cache resources.
func (c *Cache) Close() {
	c.cache.Close()
}

func groupKey(group string) string {
	if group == "" {
		return "playlist:all"
	}
	return "playlist:group:" + group
}
