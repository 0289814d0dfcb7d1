// Package main runs the live classroom HTTP server with WebSocket signaling
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tutorlink/backend/config"
	"github.com/tutorlink/backend/internal/archive"
	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/internal/live"
	"github.com/tutorlink/backend/internal/media"
	"github.com/tutorlink/backend/internal/middleware"
	"github.com/tutorlink/backend/internal/presence"
	"github.com/tutorlink/backend/internal/sessions"
	"github.com/tutorlink/backend/internal/worker"
	"github.com/tutorlink/backend/pkg/database"
	"github.com/tutorlink/backend/pkg/queue"
	"github.com/tutorlink/backend/pkg/redis"
	"github.com/tutorlink/backend/pkg/response"
	"github.com/tutorlink/backend/pkg/storage"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			TranscriptsBucket:    cfg.AWS.TranscriptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, 24)
	sessionRepo := sessions.NewRepository(pool)
	archiveRepo := archive.NewRepository(pool)
	presenceStore := presence.NewStore(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	registry := live.NewRegistry(sessionRepo, logger)
	liveSvc := live.NewService(registry, archiveRepo, presenceStore, jobQueue, live.ServiceOptions{
		FlushAttempts: cfg.Live.FlushAttempts,
		FlushBackoff:  time.Duration(cfg.Live.FlushBackoffSec) * time.Second,
	}, logger)
	liveSvc.SetStatusRecorder(sessionRepo)

	sfu := media.NewSFU(logger, cfg.WebRTC.ICEUrls)

	sessionHandler := sessions.NewHandler(sessionRepo, archiveRepo, registry, presenceStore, logger)

	// Embedded transcript worker; deploy cmd/worker separately to scale it out.
	var transcriptProcessor *worker.TranscriptProcessor
	if s3Client != nil {
		transcriptProcessor = worker.NewTranscriptProcessor(archiveRepo, sessionRepo, s3Client, jobQueue, logger)
	}

	jwtValidate := func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/classes", middleware.RequireRole("admin", "tutor"), sessionHandler.Create)
		api.GET("/classes", sessionHandler.List)
		api.GET("/classes/:id", sessionHandler.GetByID)
		api.GET("/classes/:id/roster", sessionHandler.Roster)
		api.GET("/classes/:id/events", sessionHandler.Events)
	}

	// WebSocket (token in query; no Authorization header required)
	pongWait := time.Duration(cfg.Live.HeartbeatTimeoutSec) * time.Second
	router.GET("/ws", live.ServeWs(liveSvc, sfu, jwtValidate, pongWait, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	idleTimeout := time.Duration(cfg.Live.RoomIdleTimeoutSec) * time.Second
	go registry.RunJanitor(bgCtx, idleTimeout, time.Minute)
	if transcriptProcessor != nil {
		go transcriptProcessor.Run(bgCtx)
		logger.Info("transcript worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
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
