package playlist

import (
	"sync"

	"streamgate/work/config"
)

// Kind classifies a playlist entry by content category. Classification is
// heuristic, driven by URL shape and entry metadata; entries that match
// nothing stay live channels.
type Kind int

const (
	KindLive Kind = iota
	KindMovie
	KindSeries
	KindSports
)

// String returns the group label used for a kind in generated playlists.
func (k Kind) String() string {
	switch k {
	case KindMovie:
		return "Movies"
	case KindSeries:
		return "Series"
	case KindSports:
		return "Sports"
	default:
		return "Live"
	}
}

// Stream is a single playable entry parsed from a source playlist.
type Stream struct {
	URL        string               // absolute upstream media URL
	Name       string               // display name from the EXTINF line
	Kind       Kind                 // content classification
	Attributes map[string]string    // tvg-* and group-title attributes
	Source     *config.SourceConfig // originating source
}

// Channel groups streams sharing a display name, so duplicate entries across
// sources merge into one playlist row with failover candidates.
type Channel struct {
	Name    string
	Streams []*Stream
	Mu      sync.RWMutex
}
