package playlist

import (
	"strings"

	"github.com/grafana/regexp"
)

// Classification patterns. URL shape is checked first since provider paths
// (/series/, /movie/) are the strongest signal; name and group metadata
// break the remaining ties.
var (
	seriesURLPattern = regexp.MustCompile(`(?i)/series?/|/shows?/`)
	movieURLPattern  = regexp.MustCompile(`(?i)/movies?/|/vods?/|\.(mp4|mkv|avi)(\?|$)`)
	seriesNamePattern = regexp.MustCompile(`(?i)\bS\d{1,2}\s?E\d{1,3}\b|\bseason\s?\d+\b|24/7`)
	sportsPattern     = regexp.MustCompile(`(?i)\b(sports?|espn|dazn|nba|nfl|mlb|nhl|ufc|wwe|f1|formula|golf|tennis|soccer|football|cricket|rugby|boxing)\b`)
)

// Classify assigns a content kind to a playlist entry from its URL, display
// name, and group-title attribute.
func Classify(name, rawURL string, attrs map[string]string) Kind {
	group := attrs["group-title"]
	if group == "" {
		group = attrs["tvg-group"]
	}

	switch {
	case seriesURLPattern.MatchString(rawURL):
		return KindSeries
	case movieURLPattern.MatchString(rawURL):
		return KindMovie
	case seriesNamePattern.MatchString(name) || seriesNamePattern.MatchString(group):
		return KindSeries
	case sportsPattern.MatchString(name) || sportsPattern.MatchString(group):
		return KindSports
	case strings.Contains(strings.ToLower(group), "movie") || strings.Contains(strings.ToLower(group), "vod"):
		return KindMovie
	default:
		return KindLive
	}
}
