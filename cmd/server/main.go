package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/api"
	"sketchbook/internal/config"
	"sketchbook/internal/live"
	"sketchbook/internal/monitor"
	"sketchbook/internal/preview"
	"sketchbook/internal/render"
	"sketchbook/internal/runtime"
	"sketchbook/internal/sandbox"
	"sketchbook/internal/sketch"
	"sketchbook/internal/storage"
	"sketchbook/internal/watch"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("invalid environment override")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// Execution
	projectRoot := cfg.ProjectRoot()
	runtimes := runtime.DefaultRegistry(&runtime.PythonRuntime{
		Path:        cfg.Executor.Python,
		ProjectRoot: projectRoot,
	})
	runner := sandbox.NewRunner(runtimes, sandbox.Options{
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		MaxTimeout:     cfg.Executor.MaxTimeout,
		MaxStdoutBytes: cfg.Executor.MaxStdoutBytes,
		MaxStderrBytes: cfg.Executor.MaxStderrBytes,
		RetinaScale:    cfg.Render.RetinaScale,
	})

	rasterizer := render.NewPopplerRasterizer(cfg.Render.PDFRasterizer)
	if !rasterizer.Available() {
		log.Warn().Str("binary", cfg.Render.PDFRasterizer).Msg("PDF rasterizer not found; PDF sketches will report environment_missing")
	}
	interpreter := render.NewInterpreter(rasterizer, cfg.Render.RetinaScale)

	resolver := sketch.NewFSResolver(projectRoot, cfg.SketchDirs(), cfg.Project.AllowedPatterns, runtimes.Extensions())

	cache, err := preview.NewCache(preview.CacheOptions{
		Dir:           cfg.CacheDir(),
		MaxVersions:   cfg.Cache.MaxVersions,
		MaxAge:        cfg.Cache.MaxAge,
		MemoryEntries: cfg.Cache.MemoryEntries,
		ThumbWidth:    cfg.Render.ThumbnailWidth,
		ThumbHeight:   cfg.Render.ThumbnailHeight,
		DisplayScale:  cfg.Render.RetinaScale,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.CacheDir()).Msg("failed to open preview cache")
	}
	go cache.Run(ctx, cfg.Cache.SweepInterval)

	// History: always kept in memory, mirrored to Postgres when configured.
	memory, err := storage.NewMemoryStore(500)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create history store")
	}
	sinks := []storage.Sink{memory}
	var history storage.Reader = memory

	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, history kept in memory only")
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to create history schema, history kept in memory only")
			db.Close()
			db = nil
		} else {
			defer db.Close()
			sinks = append(sinks, db)
			history = db
		}
	}

	historyWriter := storage.NewHistoryWriter(10000, metrics.RecordHistoryWriteError, sinks...)
	historyWriter.Start()

	hub := live.NewHub(64, metrics)

	coordinator := preview.NewCoordinator(preview.CoordinatorConfig{
		Resolver:    resolver,
		Executor:    runner,
		Interpreter: interpreter,
		Cache:       cache,
		Publisher:   hub,
		History:     historyWriter,
		Metrics:     metrics,
		Tracer:      tracer,
	})

	// Auto-execute on save for sketches with at least one viewer.
	var watcher *watch.Watcher
	if cfg.Watch.Enabled {
		watcher, err = watch.New(resolver, cfg.Watch.Debounce, func(name string) {
			go func() {
				if _, err := coordinator.Trigger(ctx, preview.Request{Sketch: name, Source: preview.SourceWatch}); err != nil {
					log.Warn().Err(err).Str("sketch", name).Msg("watch-triggered execution failed")
				}
			}()
		}, metrics)
		if err != nil {
			log.Warn().Err(err).Msg("file watching unavailable")
			watcher = nil
		} else {
			go watcher.Run(ctx)
			hub.OnActivity(
				func(name string) {
					if err := watcher.Watch(name); err != nil {
						log.Warn().Err(err).Str("sketch", name).Msg("failed to watch sketch")
					}
				},
				watcher.Unwatch,
			)
		}
	}

	deps := api.Deps{
		Sketches:    resolver,
		Coordinator: coordinator,
		Cache:       cache,
		Hub:         hub,
		History:     history,
		Metrics:     metrics,
		MaxTimeout:  cfg.Executor.MaxTimeout,
		Rasterizer:  rasterizer,
		Runner:      runner,
	}
	if db != nil {
		deps.Database = db
	}
	if watcher != nil {
		deps.Watched = watcher.Watched
	}
	server := api.NewServer(cfg, deps)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Viewers first, so they see server_shutdown before the listener goes.
		hub.Close()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := coordinator.Close(cfg.Server.ShutdownTimeout); err != nil {
			log.Error().Err(err).Msg("executions still running at shutdown")
		}
		if err := runner.Close(); err != nil {
			log.Error().Err(err).Msg("runner close error")
		}
		if watcher != nil {
			if err := watcher.Close(); err != nil {
				log.Error().Err(err).Msg("watcher close error")
			}
		}
		cache.Close()

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("project", projectRoot).
		Strs("sketch_dirs", cfg.SketchDirs()).
		Bool("db_enabled", db != nil).
		Bool("watch_enabled", watcher != nil).
		Bool("rasterizer", rasterizer.Available()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	historyWriter.Flush(10 * time.Second)
	log.Info().Msg("server stopped")
}
