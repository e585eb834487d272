// Package main runs the transcode worker pool: it pulls jobs from Redis, re-encodes
// videos with ffmpeg and writes them back to the same object key.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hearth-family/backend/config"
	"github.com/hearth-family/backend/internal/telemetry"
	"github.com/hearth-family/backend/internal/transcode"
	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/redis"
	"github.com/hearth-family/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Bucket:          cfg.AWS.MediaBucket,
		Endpoint:        cfg.AWS.Endpoint,
		UsePathStyle:    cfg.AWS.UsePathStyle,
		PublicBaseURL:   cfg.AWS.PublicBaseURL,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, cfg.Transcode.MaxAttempts, logger)
	workers := transcode.NewFromConfig(cfg.Transcode, s3Client, jobQueue, logger)

	var metricsSrv *http.Server
	if cfg.Server.MetricsEnabled {
		telemetry.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		metricsSrv = &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := workers.Run(workerCtx); err != nil {
			logger.Error("transcode pool", zap.Error(err))
		}
	}()
	logger.Info("worker started", zap.Int("concurrency", cfg.Transcode.Concurrency), zap.Int("max_attempts", cfg.Transcode.MaxAttempts))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// In-flight jobs finish; nothing new is dequeued.
	cancel()
	<-done
	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
