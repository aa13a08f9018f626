// Package main runs the background worker: object cleanup jobs and the stale video sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipvault/backend/config"
	"github.com/clipvault/backend/internal/metrics"
	"github.com/clipvault/backend/internal/realtime"
	"github.com/clipvault/backend/internal/videos"
	"github.com/clipvault/backend/internal/worker"
	"github.com/clipvault/backend/pkg/database"
	"github.com/clipvault/backend/pkg/queue"
	"github.com/clipvault/backend/pkg/redis"
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
	jobQueue := queue.NewQueue(rdb.Client, logger)
	cleaner := worker.NewObjectCleaner(s3Client, jobQueue, m, logger)

	// Publish-only hub: status events reach API instances through Redis.
	hub := realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, logger), nil)
	sweeper := worker.NewSweeper(videos.NewRepository(pool), time.Duration(cfg.Worker.StaleAfterMinutes)*time.Minute, hub, m, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := cron.New()
	if _, err := sweeper.Schedule(workerCtx, scheduler, cfg.Worker.SweepSchedule); err != nil {
		logger.Fatal("schedule sweeper", zap.String("spec", cfg.Worker.SweepSchedule), zap.Error(err))
	}
	scheduler.Start()

	go cleaner.Run(workerCtx)
	logger.Info("worker started", zap.String("sweep_schedule", cfg.Worker.SweepSchedule))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-scheduler.Stop().Done()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
