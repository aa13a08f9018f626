// Package main runs the video asset HTTP server with the status WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipvault/backend/config"
	"github.com/clipvault/backend/internal/auth"
	"github.com/clipvault/backend/internal/media"
	"github.com/clipvault/backend/internal/metrics"
	"github.com/clipvault/backend/internal/middleware"
	"github.com/clipvault/backend/internal/realtime"
	"github.com/clipvault/backend/internal/videos"
	"github.com/clipvault/backend/internal/worker"
	"github.com/clipvault/backend/pkg/database"
	"github.com/clipvault/backend/pkg/queue"
	"github.com/clipvault/backend/pkg/redis"
	"github.com/clipvault/backend/pkg/response"
	"github.com/clipvault/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Endpoint:             cfg.Storage.Endpoint,
		Region:               cfg.Storage.Region,
		AccessKeyID:          cfg.Storage.AccessKeyID,
		SecretAccessKey:      cfg.Storage.SecretAccessKey,
		Bucket:               cfg.Storage.Bucket,
		PresignExpireMinutes: cfg.Storage.PresignExpireMinutes,
		UsePathStyle:         cfg.Storage.UsePathStyle,
	}, logger)
	if err != nil {
		logger.Fatal("object store", zap.Error(err))
	}

	m := metrics.New()
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	ff := media.New(media.Config{
		FFmpegPath:       cfg.Media.FFmpegPath,
		FFprobePath:      cfg.Media.FFprobePath,
		ProbeTimeout:     time.Duration(cfg.Media.ProbeTimeoutSec) * time.Second,
		ExtractTimeout:   time.Duration(cfg.Media.ExtractTimeoutSec) * time.Second,
		MaxProcesses:     cfg.Media.MaxProcesses,
		StreamCopy:       cfg.Media.StreamCopy,
		ReencodeFallback: cfg.Media.ReencodeFallback,
	}, m, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Videos
	videoRepo := videos.NewRepository(pool)
	videoSvc := videos.NewService(videoRepo, s3Client, ff, ff, videos.Options{
		TempDir:          cfg.Media.TempDir,
		FetchMode:        cfg.Storage.FetchMode,
		SplitConcurrency: cfg.Media.SplitConcurrency,
		MaxSegments:      cfg.Media.MaxSegments,
		MaxUploadBytes:   int64(cfg.Media.MaxUploadMB) << 20,
	}, logger)
	videoSvc.SetCleaner(jobQueue)
	videoSvc.SetNotifier(hub)
	videoSvc.SetMetrics(m)
	videoHandler := videos.NewHandler(videoSvc, logger)

	// Cleanup of objects that could not be deleted inline
	cleaner := worker.NewObjectCleaner(s3Client, jobQueue, m, logger)

	authorizeWatch := func(ctx context.Context, token string, videoID uuid.UUID) error {
		var owner *uuid.UUID
		if token != "" {
			claims, err := jwtService.Validate(token)
			if err != nil {
				return err
			}
			owner = &claims.UserID
		} else if cfg.Auth.Required {
			return auth.ErrInvalidToken
		}
		_, err := videoSvc.Lookup(ctx, owner, videoID)
		return err
	}

	router := gin.New()
	router.MaxMultipartMemory = 32 << 20
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(m))

	// Health
	router.GET("/health", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/signup", authHandler.Signup)
		authGroup.POST("/login", authHandler.Login)
	}

	// Video API (JWT required unless AUTH_REQUIRED=false)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService, cfg.Auth.Required))
	{
		api.POST("/videos", videoHandler.Create)
		api.GET("/videos", videoHandler.List)
		api.GET("/videos/:id", videoHandler.Get)
		api.PATCH("/videos/:id", videoHandler.Update)
		api.DELETE("/videos/:id", videoHandler.Delete)
		api.POST("/videos/:id/split", videoHandler.Split)
		api.GET("/media/segments/:id", videoHandler.SegmentURL)
	}

	// WebSocket status feed (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, authorizeWatch))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go cleaner.Run(workerCtx)
	logger.Info("cleanup worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
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
	logger, _ := config.Build()
	return logger
}
