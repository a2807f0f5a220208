package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anigate/work/cache"
	"anigate/work/catalog"
	"anigate/work/client"
	"anigate/work/config"
	"anigate/work/database"
	"anigate/work/logger"
	"anigate/work/middleware"
	"anigate/work/proxy"
	"anigate/work/resolver"
	"anigate/work/utils"
)

func main() {

	createConfig := flag.String("create-config", "", "write an example config file to the given path and exit")
	flag.Parse()

	if *createConfig != "" {
		if err := config.CreateExampleConfig(*createConfig); err != nil {
			logger.Error("{main} Failed to write example config: %v", err)
			os.Exit(1)
		}
		logger.Info("{main} Example config written to %s", *createConfig)
		return
	}

	// load the configuration
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)
	logger.Info("{main} Starting anigate on port %d", cfg.ListenPort)

	// settings database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main} Failed to open settings database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// shared outbound client with forged headers
	httpClient := client.NewHeaderSettingClient(cfg)

	// manifest cache, only when enabled
	var manifestCache *cache.ManifestCache
	if cfg.CacheEnabled {
		manifestCache = cache.NewManifestCache(cfg.CacheDuration)
		defer manifestCache.Close()
	}

	// background pool for warm prefetch of nested playlists
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithNonblocking(true))
	if err != nil {
		logger.Error("{main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	// origin resolution with runtime context from config
	runtime := resolver.RuntimeContext{
		IsNative:    cfg.RuntimeNative,
		IsLocalhost: isLoopbackBase(cfg),
		IsCloudHost: cfg.RuntimeCloudHost,
	}
	res := resolver.New(cfg, runtime, db)

	streamProxy := proxy.NewStreamProxy(cfg, httpClient, manifestCache, pool)
	cat := catalog.NewCatalog(cfg, res)

	// routes
	router := mux.NewRouter()
	router.HandleFunc("/", streamProxy.HandleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/proxy", streamProxy.HandleProxy).Methods(http.MethodGet)
	router.HandleFunc("/proxy/variants", streamProxy.HandleVariants).Methods(http.MethodGet)

	router.HandleFunc("/home", middleware.GzipMiddleware(cat.HandleHome)).Methods(http.MethodGet)
	router.HandleFunc("/check-version", cat.HandleCheckVersion).Methods(http.MethodGet)
	router.HandleFunc("/info/{id}", middleware.GzipMiddleware(cat.HandleInfo)).Methods(http.MethodGet)
	router.HandleFunc("/episodes/{id}", middleware.GzipMiddleware(cat.HandleEpisodes)).Methods(http.MethodGet)
	router.HandleFunc("/servers/{id}", middleware.GzipMiddleware(cat.HandleServers)).Methods(http.MethodGet)
	router.HandleFunc("/sources", middleware.GzipMiddleware(cat.HandleSources)).Methods(http.MethodGet)

	router.HandleFunc("/admin/settings/server", handleGetServerSetting(cfg, db)).Methods(http.MethodGet)
	router.HandleFunc("/admin/settings/server", handlePutServerSetting(cfg, db, res)).Methods(http.MethodPut)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: middleware.CORSMiddleware(router),

		// no global write timeout, segment relays run as long as the
		// player keeps reading
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("{main} Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main} Server failed: %v", err)
			os.Exit(1)
		}
	}()

	// wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("{main} Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("{main} Shutdown error: %v", err)
	}
}

// isLoopbackBase reports whether this gateway itself is addressed over
// loopback, which is what makes a loopback custom server structurally valid.
func isLoopbackBase(cfg *config.Config) bool {
	return cfg.BaseURL == "" || utils.IsLoopbackURL(cfg.BaseURL)
}
