package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultConfigPath is where the proxy looks for its settings file unless
// the STREAMGATE_CONFIG environment variable points somewhere else.
const DefaultConfigPath = "/settings/config.json"

// Config holds all application configuration for the streaming edge proxy.
// It covers the HTTP listener, client rate limiting, upstream fetch behavior,
// the two request identities, caching, and playlist source definitions.
type Config struct {
	ListenAddr            string         `json:"listenAddr"`            // Address the HTTP server binds to (e.g. ":8080")
	PublicURL             string         `json:"publicURL"`             // Externally visible base URL; empty means derive from request headers
	LogLevel              string         `json:"logLevel"`              // Log level: DEBUG, INFO, WARN, ERROR
	ObfuscateUrls         bool           `json:"obfuscateUrls"`         // Obfuscate upstream URLs in logs
	RateLimitWindow       time.Duration  `json:"rateLimitWindow"`       // Fixed rate-limit window length
	RateLimitPerWindow    int            `json:"rateLimitPerWindow"`    // Requests allowed per client per window
	RateLimitStorePath    string         `json:"rateLimitStorePath"`    // Optional SQLite path for shared rate-limit state
	MaxRetries            int            `json:"maxRetries"`            // Total upstream attempts per fetch (retries included)
	RetryBackoff          time.Duration  `json:"retryBackoff"`          // Fixed delay between upstream status retries
	TransportRetryDelay   time.Duration  `json:"transportRetryDelay"`   // Delay before the single transport-level retry
	UpstreamTimeout       time.Duration  `json:"upstreamTimeout"`       // Per-attempt upstream fetch timeout
	OutboundPerHostRPS    int            `json:"outboundPerHostRPS"`    // Outbound request pacing per upstream host
	DeviceUserAgent       string         `json:"deviceUserAgent"`       // User-Agent of the set-top-box identity
	DeviceAppID           string         `json:"deviceAppID"`           // X-Requested-With app identifier of the device identity
	BrowserUserAgent      string         `json:"browserUserAgent"`      // User-Agent of the browser fallback identity
	CacheEnabled          bool           `json:"cacheEnabled"`          // Whether generated playlists are cached
	CacheDuration         time.Duration  `json:"cacheDuration"`         // TTL for cached playlists
	ImportRefreshInterval time.Duration  `json:"importRefreshInterval"` // Interval between playlist source refreshes
	WorkerThreads         int            `json:"workerThreads"`         // Worker pool size for source imports
	Sources               []SourceConfig `json:"sources"`               // Configured playlist sources
}

// SourceConfig describes a single playlist source, either a plain M3U URL or
// an Xtream-Codes portal when credentials are set.
type SourceConfig struct {
	Name     string `json:"name"`     // Descriptive name for the source
	URL      string `json:"url"`      // Playlist or portal base URL
	Order    int    `json:"order"`    // Priority order for merging
	Username string `json:"username"` // Xtream-Codes username (empty for plain M3U)
	Password string `json:"password"` // Xtream-Codes password
}

// ConfigFile mirrors Config for JSON files, with durations as strings
// (e.g. "60s", "30m") so the settings file stays human-editable.
type ConfigFile struct {
	ListenAddr            string             `json:"listenAddr"`
	PublicURL             string             `json:"publicURL"`
	LogLevel              string             `json:"logLevel"`
	ObfuscateUrls         bool               `json:"obfuscateUrls"`
	RateLimitWindow       string             `json:"rateLimitWindow"`
	RateLimitPerWindow    int                `json:"rateLimitPerWindow"`
	RateLimitStorePath    string             `json:"rateLimitStorePath"`
	MaxRetries            int                `json:"maxRetries"`
	RetryBackoff          string             `json:"retryBackoff"`
	TransportRetryDelay   string             `json:"transportRetryDelay"`
	UpstreamTimeout       string             `json:"upstreamTimeout"`
	OutboundPerHostRPS    int                `json:"outboundPerHostRPS"`
	DeviceUserAgent       string             `json:"deviceUserAgent"`
	DeviceAppID           string             `json:"deviceAppID"`
	BrowserUserAgent      string             `json:"browserUserAgent"`
	CacheEnabled          bool               `json:"cacheEnabled"`
	CacheDuration         string             `json:"cacheDuration"`
	ImportRefreshInterval string             `json:"importRefreshInterval"`
	WorkerThreads         int                `json:"workerThreads"`
	Sources               []SourceConfigFile `json:"sources"`
}

// SourceConfigFile is the JSON file form of SourceConfig.
type SourceConfigFile struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Order    int    `json:"order"`
	Username string `json:"username"`
	Password string `json:"password"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig loads the configuration from file or returns the cached instance.
// Missing or invalid files fall back to defaults; all values are validated
// so callers never see zero timeouts or limits.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// double-check under the write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("STREAMGATE_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = Default()
	}

	validateAndSetDefaults(config)
	configCache = config

	return config
}

// ClearConfigCache resets the cached config so the next LoadConfig reloads
// from disk. Used by the admin reload path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses a JSON settings file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:         cf.ListenAddr,
		PublicURL:          cf.PublicURL,
		LogLevel:           cf.LogLevel,
		ObfuscateUrls:      cf.ObfuscateUrls,
		RateLimitPerWindow: cf.RateLimitPerWindow,
		RateLimitStorePath: cf.RateLimitStorePath,
		MaxRetries:         cf.MaxRetries,
		OutboundPerHostRPS: cf.OutboundPerHostRPS,
		DeviceUserAgent:    cf.DeviceUserAgent,
		DeviceAppID:        cf.DeviceAppID,
		BrowserUserAgent:   cf.BrowserUserAgent,
		CacheEnabled:       cf.CacheEnabled,
		WorkerThreads:      cf.WorkerThreads,
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.RateLimitWindow, &config.RateLimitWindow, "rateLimitWindow"},
		{cf.RetryBackoff, &config.RetryBackoff, "retryBackoff"},
		{cf.TransportRetryDelay, &config.TransportRetryDelay, "transportRetryDelay"},
		{cf.UpstreamTimeout, &config.UpstreamTimeout, "upstreamTimeout"},
		{cf.CacheDuration, &config.CacheDuration, "cacheDuration"},
		{cf.ImportRefreshInterval, &config.ImportRefreshInterval, "importRefreshInterval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	config.Sources = make([]SourceConfig, len(cf.Sources))
	for i, srcFile := range cf.Sources {
		config.Sources[i] = SourceConfig{
			Name:     srcFile.Name,
			URL:      srcFile.URL,
			Order:    srcFile.Order,
			Username: srcFile.Username,
			Password: srcFile.Password,
		}
	}

	return config, nil
}

// Default returns a baseline configuration with sensible defaults
// for running without a settings file.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8080",
		LogLevel:              "INFO",
		RateLimitWindow:       60 * time.Second,
		RateLimitPerWindow:    100,
		MaxRetries:            2,
		RetryBackoff:          500 * time.Millisecond,
		TransportRetryDelay:   500 * time.Millisecond,
		UpstreamTimeout:       30 * time.Second,
		OutboundPerHostRPS:    10,
		DeviceUserAgent:       "IPTVSmartersPlayer/3.1.5 (Linux; Android 9; STB)",
		DeviceAppID:           "com.nst.iptvsmarterstvbox",
		BrowserUserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		CacheEnabled:          true,
		CacheDuration:         30 * time.Minute,
		ImportRefreshInterval: 12 * time.Hour,
		WorkerThreads:         8,
		Sources:               []SourceConfig{},
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(config *Config) {
	def := Default()

	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = def.RateLimitWindow
	}
	if config.RateLimitPerWindow <= 0 {
		config.RateLimitPerWindow = def.RateLimitPerWindow
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.TransportRetryDelay <= 0 {
		config.TransportRetryDelay = def.TransportRetryDelay
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = def.UpstreamTimeout
	}
	if config.OutboundPerHostRPS <= 0 {
		config.OutboundPerHostRPS = def.OutboundPerHostRPS
	}
	if config.DeviceUserAgent == "" {
		config.DeviceUserAgent = def.DeviceUserAgent
	}
	if config.DeviceAppID == "" {
		config.DeviceAppID = def.DeviceAppID
	}
	if config.BrowserUserAgent == "" {
		config.BrowserUserAgent = def.BrowserUserAgent
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = def.CacheDuration
	}
	if config.ImportRefreshInterval <= 0 {
		config.ImportRefreshInterval = def.ImportRefreshInterval
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = def.WorkerThreads
	}

	for i := range config.Sources {
		src := &config.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.Order <= 0 {
			src.Order = i + 1
		}
	}
}

// CreateExampleConfig writes an example settings file to the given path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenAddr:            ":8080",
		PublicURL:             "https://proxy.example.com",
		LogLevel:              "INFO",
		ObfuscateUrls:         true,
		RateLimitWindow:       "60s",
		RateLimitPerWindow:    100,
		MaxRetries:            2,
		RetryBackoff:          "500ms",
		TransportRetryDelay:   "500ms",
		UpstreamTimeout:       "30s",
		OutboundPerHostRPS:    10,
		CacheEnabled:          true,
		CacheDuration:         "30m",
		ImportRefreshInterval: "12h",
		WorkerThreads:         8,
		Sources: []SourceConfigFile{
			{
				Name:  "Primary IPTV Source",
				URL:   "http://example.com/playlist.m3u8",
				Order: 1,
			},
			{
				Name:     "Xtream Portal",
				URL:      "http://portal.example.com",
				Order:    2,
				Username: "user",
				Password: "pass",
			},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetSourcesByOrder returns a copy of sources sorted by their Order field.
func (c *Config) GetSourcesByOrder() []SourceConfig {
	sources := make([]SourceConfig, len(c.Sources))
	copy(sources, c.Sources)

	// small slice, simple insertion sort is plenty
	for i := 1; i < len(sources); i++ {
		for j := i; j > 0 && sources[j-1].Order > sources[j].Order; j-- {
			sources[j-1], sources[j] = sources[j], sources[j-1]
		}
	}

	return sources
}

// ObfuscateURL masks the path and query of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
