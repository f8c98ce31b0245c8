// Package main runs the clip render worker and the stale-clip reaper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/clippie/backend/config"
	"github.com/clippie/backend/internal/clips"
	"github.com/clippie/backend/internal/media"
	"github.com/clippie/backend/internal/realtime"
	"github.com/clippie/backend/internal/transcription"
	"github.com/clippie/backend/internal/worker"
	"github.com/clippie/backend/pkg/database"
	"github.com/clippie/backend/pkg/queue"
	"github.com/clippie/backend/pkg/redis"
	"github.com/clippie/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if err := media.CheckBinaries(cfg.Media.FFmpegBin, cfg.Media.FFprobeBin); err != nil {
		logger.Fatal("media", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		VideosBucket:         cfg.AWS.VideosBucket,
		ClipsBucket:          cfg.AWS.ClipsBucket,
		SubtitlesBucket:      cfg.AWS.SubtitlesBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	engine := media.NewEngine(s3Client, media.NewExecRunner(logger), media.Buckets{
		Videos:    cfg.AWS.VideosBucket,
		Clips:     cfg.AWS.ClipsBucket,
		Subtitles: cfg.AWS.SubtitlesBucket,
	}, media.Config{
		FFmpegBin:  cfg.Media.FFmpegBin,
		FFprobeBin: cfg.Media.FFprobeBin,
		TempDir:    cfg.Media.TempDir,
	}, logger)

	stt := transcription.NewWhisperClient(transcription.WhisperConfig{
		BaseURL: cfg.Transcription.BaseURL,
		APIKey:  cfg.Transcription.APIKey,
		Model:   cfg.Transcription.Model,
		Timeout: cfg.Transcription.Timeout,
	}, logger)
	if cfg.Transcription.APIKey == "" {
		logger.Warn("transcription not configured; subtitle requests will produce plain clips")
	}
	transcriber := transcription.NewAdapter(engine, stt, cfg.Transcription.Timeout, logger)

	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	clipRepo := clips.NewRepository(pool)
	pipeline := clips.NewPipeline(clipRepo, engine, transcriber, s3Client, pubsub, clips.PipelineConfig{
		ClipsBucket:     cfg.AWS.ClipsBucket,
		SubtitlesBucket: cfg.AWS.SubtitlesBucket,
		DefaultLanguage: cfg.Transcription.Language,
		ExtractTimeout:  cfg.Media.ExtractTimeout,
		BurnTimeout:     cfg.Media.BurnTimeout,
	}, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewClipProcessor(jobQueue, pipeline, cfg.Worker.Concurrency, logger)
	reaper := worker.NewReaper(clipRepo, jobQueue, pubsub, cfg.Worker.StuckAfter, cfg.Worker.ReaperInterval, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	logger.Info("worker started")

	if err := g.Wait(); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("LOG_LEVEL") == "debug" {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
