// Package main is the entry point for the IQ tile server.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/iqtiles/server/internal/api"
	"github.com/iqtiles/server/internal/cache"
	"github.com/iqtiles/server/internal/config"
	"github.com/iqtiles/server/internal/logging"
	"github.com/iqtiles/server/internal/pipeline"
	"github.com/iqtiles/server/internal/render"
	"github.com/iqtiles/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, logging.WithDevelopment(cfg.Log.Development))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting IQ tile server", zap.Int("port", cfg.Server.Port))
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics(reg)

	tileSamples := cfg.Pipeline.TileSampleCount

	// Initialize cache manager (shared across all recordings)
	cacheManager, err := cache.NewManager(cache.Config{
		RawCacheSizeMB: cfg.Cache.RawSizeMB,
		RawTTL:         time.Duration(cfg.Cache.RawTTLMinutes) * time.Minute,
		MaxRawTileKB:   cfg.Pipeline.RawTileKB(),
		ImageCacheSize: cfg.Cache.ImageCacheSize,
	}, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	// Initialize renderer (shared across all recordings)
	renderer := render.NewRenderer(render.Config{
		ThumbnailWidth:  cfg.Render.ThumbnailWidth,
		ThumbnailHeight: cfg.Render.ThumbnailHeight,
	})

	defaults, err := defaultParams(cfg.Pipeline.Defaults)
	if err != nil {
		return err
	}

	registry := api.NewRecordingRegistry(cfg.Server.Title)
	defer registry.Close()

	httpClient := &http.Client{Timeout: cfg.Pipeline.FetchTimeout()}

	logger.Info("initializing recordings", zap.Int("count", len(cfg.Recordings.Order)))
	for _, id := range cfg.Recordings.Order {
		rc := cfg.Recordings.Items[id]

		rec, err := service.OpenRecording(ctx, rc, tileSamples, httpClient)
		if err != nil {
			return fmt.Errorf("recording %q: %w", id, err)
		}

		svc, err := service.NewSpectrogramService(service.SpectrogramServiceConfig{
			RecordingID: id,
			Description: rc.Description,
			Recording:   rec,
			Cache:       cacheManager,
			Renderer:    renderer,
			Pipeline: pipeline.Config{
				TileSampleCount: tileSamples,
				Workers:         cfg.Pipeline.Workers,
				FetchTimeout:    cfg.Pipeline.FetchTimeout(),
				MaxCachedTiles:  cfg.Pipeline.MaxCachedTiles,
				Logger:          logger.Named("pipeline"),
				Metrics:         metrics,
			},
			Defaults:       defaults,
			PoolSize:       cfg.Pipeline.PoolSize,
			MaxExportTiles: cfg.Pipeline.MaxExportTiles,
			MaxRenderTiles: cfg.Pipeline.MaxRenderTiles,
		})
		if err != nil {
			return err
		}
		registry.Register(svc)

		info := svc.Info()
		logger.Info("recording loaded",
			zap.String("recording", id),
			zap.String("type", rc.Type),
			zap.String("data_type", info.DataType),
			zap.Float64("sample_rate", info.SampleRate),
			zap.Int("num_tiles", info.NumTiles))
	}

	// Initialize job manager for thumbnail jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}
	logger.Info("thumbnail job manager ready",
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
		zap.Int("retention_days", cfg.Jobs.RetentionDays),
		zap.String("sqlite", cfg.Jobs.SQLitePath))

	// Wire up thumbnail service as job executor
	jobManager.Executor = service.NewThumbnailService(registry).ExecuteThumbnailJob
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Gatherer:    reg,
		Logger:      logger.Named("api"),
	})

	// Streams are long-lived, so there is no write timeout.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// defaultParams converts the configured defaults into pipeline parameters.
func defaultParams(d config.DefaultsConfig) (pipeline.Params, error) {
	params := pipeline.DefaultParams()
	if d.FFTSize != 0 {
		params.FFTSize = d.FFTSize
	}
	if d.Window != "" {
		w, err := pipeline.ParseWindow(d.Window)
		if err != nil {
			return params, fmt.Errorf("pipeline.defaults: %w", err)
		}
		params.Window = w
	}
	if d.MagnitudeMin != nil {
		params.MagnitudeMin = *d.MagnitudeMin
	}
	if d.MagnitudeMax != nil {
		params.MagnitudeMax = *d.MagnitudeMax
	}
	if d.Colormap != "" {
		params.Colormap = d.Colormap
	}
	return params, nil
}
