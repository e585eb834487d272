// Package main runs the media upload API: upload intents, confirmation, cancellation,
// transcode progress, the stale upload reaper and (optionally) an embedded transcode pool.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hearth-family/backend/config"
	"github.com/hearth-family/backend/internal/auth"
	"github.com/hearth-family/backend/internal/middleware"
	"github.com/hearth-family/backend/internal/telemetry"
	"github.com/hearth-family/backend/internal/transcode"
	"github.com/hearth-family/backend/internal/uploads"
	"github.com/hearth-family/backend/pkg/database"
	"github.com/hearth-family/backend/pkg/queue"
	"github.com/hearth-family/backend/pkg/redis"
	"github.com/hearth-family/backend/pkg/response"
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
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

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
	uploadRepo := uploads.NewRepository(pool)
	uploadService := uploads.NewService(uploadRepo, s3Client, jobQueue, uploads.Options{
		MaxBytes:      cfg.Upload.MaxBytes,
		PresignExpiry: cfg.AWS.PresignExpire(),
	}, logger)
	reaper := uploads.NewReaper(uploadRepo, s3Client, cfg.Reaper.TTL, logger)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	uploadHandler := uploads.NewHandler(uploadService, jobQueue, logger)
	maintenanceHandler := uploads.NewMaintenanceHandler(reaper, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(checkCtx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	if cfg.Server.MetricsEnabled {
		telemetry.Register()
		router.GET("/metrics", gin.WrapH(telemetry.Handler()))
	}

	// Protected API (JWT required; the token subject owns the uploads)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	uploadHandler.Register(api)

	maintenance := api.Group("/maintenance", middleware.RequireRole(auth.RoleAdmin))
	{
		maintenance.POST("/reap", maintenanceHandler.Reap)
		maintenance.GET("/transcode/failed", maintenanceHandler.FailedTranscodes)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/transcode", transcode.ServeProgress(jobQueue, uploadService, jwtService.UserID, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var bg sync.WaitGroup

	if cfg.Reaper.Enabled {
		bg.Add(1)
		go func() {
			defer bg.Done()
			reaper.Run(bgCtx, cfg.Reaper.Interval)
		}()
		logger.Info("reaper started", zap.Duration("ttl", cfg.Reaper.TTL), zap.Duration("interval", cfg.Reaper.Interval))
	}

	if cfg.Transcode.Embedded {
		workers := transcode.NewFromConfig(cfg.Transcode, s3Client, jobQueue, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := workers.Run(bgCtx); err != nil {
				logger.Error("transcode pool", zap.Error(err))
			}
		}()
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
	bgCancel()
	bg.Wait()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
