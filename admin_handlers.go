package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/middleware"
	"streamgate/work/playlist"
)

var (
	// restartChan provides a signaling mechanism for graceful application restart
	// after a config change. Buffered so a reload request never blocks the
	// admin handler.
	restartChan = make(chan bool, 1)

	startTime = time.Now()
)

// statusResponse is the JSON body of the status endpoint.
type statusResponse struct {
	Version        string         `json:"version"`
	Uptime         string         `json:"uptime"`
	LogLevel       string         `json:"logLevel"`
	ChannelCount   int            `json:"channelCount"`
	Sources        []sourceStatus `json:"sources"`
	RateLimit      string         `json:"rateLimit"`
	CacheEnabled   bool           `json:"cacheEnabled"`
	RefreshEvery   string         `json:"refreshEvery"`
	StoreBackedRL  bool           `json:"storeBackedRateLimit"`
	PublicURL      string         `json:"publicURL,omitempty"`
	UpstreamRetry  int            `json:"upstreamRetries"`
	UpstreamWait   string         `json:"upstreamTimeout"`
	ObfuscatedLogs bool           `json:"obfuscatedLogs"`
}

// sourceStatus is one configured source with credentials masked.
type sourceStatus struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Order    int    `json:"order"`
	HasCreds bool   `json:"hasCredentials"`
}

// setupAdminRoutes registers the operational endpoints: a status snapshot
// and a config reload trigger.
func setupAdminRoutes(router *mux.Router, cfg *config.Config, importer *playlist.Importer) {

	// status snapshot
	router.HandleFunc("/admin/status", middleware.Gzip(func(w http.ResponseWriter, r *http.Request) {
		channelCount := 0
		importer.Channels.Range(func(name string, ch *playlist.Channel) bool {
			channelCount++
			return true
		})

		sources := make([]sourceStatus, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			sources = append(sources, sourceStatus{
				Name:     s.Name,
				URL:      config.ObfuscateURL(s.URL),
				Order:    s.Order,
				HasCreds: s.Username != "",
			})
		}

		status := statusResponse{
			Version:        Version,
			Uptime:         time.Since(startTime).Round(time.Second).String(),
			LogLevel:       logger.GetLogLevel(),
			ChannelCount:   channelCount,
			Sources:        sources,
			RateLimit:      formatRateLimit(cfg),
			CacheEnabled:   cfg.CacheEnabled,
			RefreshEvery:   cfg.ImportRefreshInterval.String(),
			StoreBackedRL:  cfg.RateLimitStorePath != "",
			PublicURL:      cfg.PublicURL,
			UpstreamRetry:  cfg.MaxRetries,
			UpstreamWait:   cfg.UpstreamTimeout.String(),
			ObfuscatedLogs: cfg.ObfuscateUrls,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Error("{admin - status} Failed to encode status: %v", err)
		}
	})).Methods("GET")

	// reload: clear the config cache and restart the import pipeline
	router.HandleFunc("/admin/reload", func(w http.ResponseWriter, r *http.Request) {
		select {
		case restartChan <- true:
			logger.Info("{admin - reload} Reload requested")
		default:
			// a restart is already pending
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "reloading"})
	}).Methods("POST")
}

func formatRateLimit(cfg *config.Config) string {
	return fmt.Sprintf("%d per %s", cfg.RateLimitPerWindow, cfg.RateLimitWindow)
}
