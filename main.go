// framestream/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"framestream/annotate"
	"framestream/api"
	"framestream/config"
	"framestream/ffmpeg"
	"framestream/logging"
	"framestream/task"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.TempDir, 0o750); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.TempDir).Msg("failed to create temp dir")
	}

	// 2. Initialize the decoder and the per-frame pipeline
	decoder, err := ffmpeg.NewDecoder(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ffmpeg decoder")
	}
	renderer := annotate.Renderer{
		Annotator: annotate.NewBoxAnnotator(annotate.NopDetector{}, cfg.ModelInputSize),
		Encoder:   annotate.JPEGEncoder{Quality: cfg.JPEGQuality},
	}

	// 3. Task registry with every task kind
	registry := buildRegistry(cfg, decoder, renderer)

	cleanup, err := registry.Create(task.KindCleanup, task.Params{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create cleanup task")
	}
	cleanup.Start()

	// 4. Set up router and server
	handler := api.NewHandler(registry, cfg, renderer, ffmpeg.NewResourceGuard(cfg))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// 5. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if !registry.Shutdown(shutdownCtx) {
		log.Warn().Msg("some tasks were still running at exit")
	}

	log.Info().Msg("server exiting")
}

func buildRegistry(cfg *config.Config, src task.Source, renderer annotate.Renderer) *task.Registry {
	registry := task.NewRegistry()
	registry.Register(task.KindProcessFrames, task.FrameFactory(task.FrameOptions{
		Source:         src,
		Renderer:       renderer,
		QueueCapacity:  cfg.QueueCapacity,
		StallTimeout:   cfg.StallTimeout,
		MaxFrameErrors: cfg.MaxFrameErrors,
	}))
	registry.Register(task.KindCleanup, task.CleanupFactory(task.CleanupOptions{
		Dir:      cfg.TempDir,
		Interval: cfg.CleanupInterval,
		MaxAge:   cfg.CleanupAge,
		Prune:    registry.Prune,
	}))
	return registry
}
