// api/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pageinsight/api/config"
	"pageinsight/api/database"
	"pageinsight/api/engine"
	"pageinsight/api/handlers"
	"pageinsight/api/logger"
	"pageinsight/api/metrics"
	"pageinsight/api/middleware"
	"pageinsight/api/store"
)

const (
	shutdownTimeout   = 5 * time.Second
	limiterIdleTTL    = 10 * time.Minute
	readHeaderTimeout = 5 * time.Second
)

// backend is the primary store: the write path plus dashboard reads.
type backend interface {
	store.Store
	store.Dashboard
	handlers.Pinger
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Development: !cfg.Service.ReleaseMode})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	log = log.With(logger.String("service", "pageinsight-api"))
	defer func() { _ = log.Sync() }()

	if cfg.Service.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	pingers := map[string]handlers.Pinger{}

	// --- Primary store ---
	var st backend
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn("Using in-memory store; data is lost on restart")
		st = store.NewMemoryStore()
	default:
		dbClient, dbErr := database.NewPostgresDB(&cfg.Database, log)
		if dbErr != nil {
			log.Error("Failed to initialize PostgreSQL database", logger.Error(dbErr))
			return 1
		}
		defer dbClient.Close()
		st = store.NewPostgresStore(dbClient.DB)
	}
	pingers[cfg.Database.Driver] = st

	engineOpts := []engine.Option{engine.WithIPSalt(cfg.Ingest.IPHashSalt)}

	// --- Optional ClickHouse mirror (for dashboards over raw events) ---
	var analytics *handlers.AnalyticsHandlers
	if cfg.ClickHouse.Enabled() {
		chClient, chErr := database.NewClickHouseDB(&cfg.ClickHouse, log)
		if chErr != nil {
			log.Error("Failed to initialize ClickHouse database", logger.Error(chErr))
			return 1
		}
		defer chClient.Close()
		pingers["clickhouse"] = chClient

		analyticsStore := store.NewAnalyticsStore(chClient, log)
		sink := store.NewEventSink(
			analyticsStore,
			store.NewBuffer(cfg.ClickHouse.BufferSize),
			log,
			m,
			cfg.ClickHouse.FlushEvery,
			cfg.ClickHouse.FlushSize,
		)
		sink.Start()
		defer sink.Stop()

		engineOpts = append(engineOpts, engine.WithSink(sink))
		analytics = handlers.NewAnalyticsHandlers(analyticsStore, log, cfg.Ingest.QueryTimeout)
	}

	eng := engine.New(st, log, m, engineOpts...)

	done := make(chan struct{})
	defer close(done)

	r := newRouter(cfg, log, m, done, routes{
		track: handlers.NewTrackHandlers(eng, log, m, handlers.TrackConfig{
			Timeout:        cfg.Ingest.Timeout,
			MaxRetries:     cfg.Ingest.MaxRetries,
			RetryBaseDelay: cfg.Ingest.RetryBaseDelay,
			FilterBots:     cfg.Ingest.FilterBots,
		}),
		stats:     handlers.NewStatsHandlers(eng, st, log, cfg.Ingest.QueryTimeout),
		analytics: analytics,
		health:    handlers.HealthCheck(pingers),
	})

	return serve(cfg, log, r)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

type routes struct {
	track     *handlers.TrackHandlers
	stats     *handlers.StatsHandlers
	analytics *handlers.AnalyticsHandlers
	health    gin.HandlerFunc
}

func newRouter(cfg *config.Config, log logger.Logger, m *metrics.Metrics, done <-chan struct{}, h routes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log), middleware.CORSMiddleware(cfg.Service.FEOrigin))

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")
	{
		// Ingestion is public: the tracking snippet runs on visitors' browsers.
		api.POST("/track",
			middleware.BotFilter(),
			middleware.RateLimiter(float64(cfg.Ingest.RateLimitRPS), cfg.Ingest.RateLimitBurst, limiterIdleTTL, done),
			h.track.TrackEvent,
		)

		protected := api.Group("/")
		protected.Use(middleware.DashboardAuth(cfg.Auth.APIKey, []byte(cfg.Auth.JWTSecret)))
		{
			protected.GET("/sessions/:id/summary", h.stats.GetSessionSummary)
			protected.POST("/sessions/:id/summary/rebuild", h.stats.RebuildSessionSummary)

			statsGroup := protected.Group("/stats")
			{
				statsGroup.GET("/daily", h.stats.GetDailyCounts)
				statsGroup.GET("/top-clicks", h.stats.GetTopClicks)
				statsGroup.GET("/pages/:slug", h.stats.GetPageStats)
				statsGroup.GET("/pages/:slug/conversions", h.stats.GetPageConversions)
				if h.analytics != nil {
					statsGroup.GET("/event-counts", h.analytics.GetEventCountsOverTime)
				}
			}
		}
	}
	return r
}

func serve(cfg *config.Config, log logger.Logger, r http.Handler) int {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.Port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", logger.Int("port", cfg.Service.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("API server failed", logger.Error(err))
		return 1
	case sig := <-quit:
		log.Info("Shutting down server", logger.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
		return 1
	}

	log.Info("Server exiting")
	return 0
}
