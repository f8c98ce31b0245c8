// Package main runs the clip platform HTTP API with WebSocket status push and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clippie/backend/config"
	"github.com/clippie/backend/internal/auth"
	"github.com/clippie/backend/internal/clips"
	"github.com/clippie/backend/internal/media"
	"github.com/clippie/backend/internal/middleware"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/realtime"
	"github.com/clippie/backend/internal/subscriptions"
	"github.com/clippie/backend/internal/videos"
	"github.com/clippie/backend/pkg/database"
	"github.com/clippie/backend/pkg/queue"
	"github.com/clippie/backend/pkg/redis"
	"github.com/clippie/backend/pkg/response"
	"github.com/clippie/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
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

	if err := media.CheckBinaries(cfg.Media.FFprobeBin); err != nil {
		logger.Warn("video probing unavailable", zap.Error(err))
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

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(pubsub, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Plans and usage
	subRepo := subscriptions.NewRepository(pool)
	subHandler := subscriptions.NewHandler(subRepo, logger)

	// Source videos
	videoRepo := videos.NewRepository(pool)
	videoHandler := videos.NewHandler(videoRepo, s3Client, engine, cfg.AWS.VideosBucket, s3Client.PresignExpire(), logger)

	// Clips
	clipRepo := clips.NewRepository(pool)
	clipService := clips.NewService(videoRepo, subRepo, clipRepo, jobQueue, pubsub, logger)
	clipHandler := clips.NewHandler(clipService, clipRepo, s3Client, jobQueue, clips.HandlerConfig{
		ClipsBucket:     cfg.AWS.ClipsBucket,
		SubtitlesBucket: cfg.AWS.SubtitlesBucket,
		PresignExpire:   s3Client.PresignExpire(),
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/me", authHandler.Me)
		api.GET("/me/usage", subHandler.Usage)

		// Source videos
		api.POST("/videos/upload-url", videoHandler.UploadURL)
		api.POST("/videos", videoHandler.Register)
		api.GET("/videos", videoHandler.List)
		api.GET("/videos/:id", videoHandler.Get)

		// Clips
		api.POST("/clips", clipHandler.Create)
		api.GET("/clips", clipHandler.List)
		api.GET("/clips/:id", clipHandler.Get)
		api.GET("/clips/:id/download-url", clipHandler.DownloadURL)
		api.GET("/clips/:id/captions", clipHandler.Captions)
	}

	// Admin
	admin := api.Group("/admin", middleware.RequireRole(models.RoleAdmin))
	{
		admin.GET("/users", authHandler.List)
		admin.PUT("/users/:id/plan", subHandler.SetPlan)
		admin.GET("/clips/inflight", clipHandler.InFlight)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, jwtService.UserID, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
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
