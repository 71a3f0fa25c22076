package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tubemp3/internal/config"
	"tubemp3/internal/handlers"
	"tubemp3/internal/jobs"
	"tubemp3/internal/pipeline"
	"tubemp3/internal/storage"
	"tubemp3/internal/version"
	"tubemp3/internal/worker"
	"tubemp3/internal/youtube"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .envファイルを読み込み（存在しない場合はスキップ）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog()
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := storage.NewJobRepository(db)

	yt := youtube.NewClient()
	scheduler := jobs.NewScheduler(jobs.Options{
		Store:         repo,
		Download:      pipeline.NewDownloader(yt),
		Transcode:     pipeline.NewTranscoder(cfg.FFmpegPath, cfg.AudioBitrate),
		Separate:      pipeline.NewSeparator(cfg.SeparatorPath),
		Resolver:      yt,
		OutputDir:     cfg.OutputDir,
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        logger,
	})
	if err := scheduler.Load(context.Background()); err != nil {
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 古いジョブとファイルを定期的に削除
	sweeper := worker.NewWorker("sweeper", func(ctx context.Context) {
		scheduler.Sweep(ctx, cfg.JobTTL, cfg.FileTTL)
	}, cfg.SweepInterval, logger)
	sweeper.Start(ctx)

	// Echoインスタンスの作成
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// ミドルウェアの設定
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// ルートの登録
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version.Version,
			"running": scheduler.Running(),
		})
	})
	handlers.NewJobHandler(scheduler, repo).Register(e.Group("/jobs"))

	// サーバー起動
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting tubemp3", "version", version.Version, "port", cfg.Port, "output_dir", cfg.OutputDir)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	stop()
	sweeper.Stop()
	scheduler.Close()
	return nil
}
