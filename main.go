package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/work/config"
	"streamgate/work/fetch"
	"streamgate/work/logger"
	"streamgate/work/middleware"
	"streamgate/work/playlist"
	"streamgate/work/proxy"
	"streamgate/work/ratelimit"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config and bring the logger up at its level
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// write an example settings file on first run so there's something to edit
	if _, err := os.Stat(config.DefaultConfigPath); os.IsNotExist(err) {
		if err := config.CreateExampleConfig(config.DefaultConfigPath); err != nil {
			logger.Warn("{main} Could not write example config: %v", err)
		}
	}

	// client rate limiter: shared SQLite state when a store path is set,
	// in-process otherwise
	var limiter ratelimit.Limiter
	if cfg.RateLimitStorePath != "" {
		store, err := ratelimit.NewStoreLimiter(cfg.RateLimitStorePath, cfg.RateLimitWindow, cfg.RateLimitPerWindow)
		if err != nil {
			logger.Error("{main} Rate-limit store unavailable, using in-memory limiter: %v", err)
			limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitWindow, cfg.RateLimitPerWindow)
		} else {
			limiter = store
		}
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitWindow, cfg.RateLimitPerWindow)
	}

	// upstream fetcher and the proxy core
	fetcher := fetch.New(cfg)
	streamProxy := proxy.New(cfg, limiter, fetcher)

	// playlist cache, importer, and generator
	var plCache *playlist.Cache
	if cfg.CacheEnabled {
		cache, err := playlist.NewCache(cfg.CacheDuration)
		if err != nil {
			logger.Error("{main} Playlist cache unavailable: %v", err)
		} else {
			plCache = cache
			defer plCache.Close()
		}
	}

	importer, err := playlist.NewImporter(cfg, fetcher, plCache)
	if err != nil {
		logger.Error("{main} Failed to create importer: %v", err)
		os.Exit(1)
	}
	generator := &playlist.Generator{Config: cfg, Importer: importer, Cache: plCache}

	// kick off the source imports
	if len(cfg.Sources) > 0 {
		importer.StartRefresh()
	}

	// Setup HTTP routes
	router := mux.NewRouter()

	// stream proxy endpoint, preflight included
	router.HandleFunc("/stream-proxy", streamProxy.HandleStreamProxy).Methods("GET", "OPTIONS")

	// playlist routes (all channels, then group-filtered)
	router.HandleFunc("/playlist", middleware.Gzip(generator.HandlePlaylist)).Methods("GET")
	router.HandleFunc("/{group}/playlist", middleware.Gzip(generator.HandlePlaylist)).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, cfg, importer)

	// show info
	logger.Info("Starting StreamGate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Addr: %s", cfg.ListenAddr)
	logger.Info("  - Public URL: %s", cfg.PublicURL)
	logger.Info("  - Rate Limit: %d per %s", cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	logger.Info("  - Upstream Retries: %d", cfg.MaxRetries)
	logger.Info("  - Upstream Timeout: %s", cfg.UpstreamTimeout)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Sources: %d", len(cfg.Sources))
	logger.Info("  - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("  - Source Refresh Rate: %s", cfg.ImportRefreshInterval)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// header timeout only; stream bodies are open-ended
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gracefully restart if it's requested to do.
	go func() {
		for {
			<-restartChan

			logger.Info("{main} Graceful restart requested...")

			// stop imports, drop the config cache, reload
			importer.StopRefresh()
			config.ClearConfigCache()
			newConfig := config.LoadConfig()
			logger.SetLogLevel(newConfig.LogLevel)

			streamProxy.Config = newConfig
			importer.Config = newConfig
			generator.Config = newConfig

			// re-import with the fresh source list
			importer.Channels.Clear()
			if plCache != nil {
				plCache.Invalidate()
			}
			importer.StartRefresh()

			logger.Info("{main} Graceful restart completed - loaded %d sources", len(newConfig.Sources))
		}
	}()

	// shut down cleanly on SIGINT/SIGTERM
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info("{main} Shutting down...")
		importer.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		streamProxy.Shutdown(ctx)
		srv.Shutdown(ctx)
	}()

	// fire us up
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed to start: %v", err)
		os.Exit(1)
	}
}
