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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"regatta-backend-go/internal/api"
	"regatta-backend-go/internal/config"
	"regatta-backend-go/internal/core"
	"regatta-backend-go/internal/db"
	"regatta-backend-go/pkg/cache"
	"regatta-backend-go/pkg/mailer"
	"regatta-backend-go/pkg/messagequeue"
)

func main() {
	// In local development read .env; in release mode rely on real env vars.
	// A missing .env is fine.
	if os.Getenv("GIN_MODE") != "release" {
		_ = godotenv.Load()
	}

	var logger *zap.Logger
	var err error
	if os.Getenv("GIN_MODE") == "release" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	clients, err := db.NewClients(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize firebase clients", zap.Error(err))
	}

	store := db.NewFirestoreStore(clients.Firestore, logger)
	defer store.Close()

	var profileCache cache.Cache
	if cfg.RedisAddr != "" {
		profileCache, err = cache.NewRedisCache(ctx, cache.NewRedisCacheConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis unavailable, running without profile cache", zap.Error(err))
			profileCache = nil
		} else {
			defer profileCache.Close()
		}
	}

	var queue messagequeue.MessageQueue
	if cfg.RabbitMQURL != "" {
		queue, err = messagequeue.NewRabbitMQService(messagequeue.NewRabbitMQServiceConfig{URL: cfg.RabbitMQURL})
		if err != nil {
			logger.Warn("rabbitmq unavailable, activity events stay firestore-only", zap.Error(err))
			queue = nil
		} else {
			defer queue.Close()
		}
	}

	var welcomeMailer *mailer.Mailer
	if cfg.SMTPHost != "" {
		welcomeMailer, err = mailer.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPSender)
		if err != nil {
			logger.Warn("smtp misconfigured, welcome emails disabled", zap.Error(err))
			welcomeMailer = nil
		}
	}

	auditService := core.NewAuditService(store, queue, cfg.ActivityQueueName, logger)
	userService := core.NewUserService(store, auditService, profileCache, welcomeMailer, logger)
	userHandler := api.NewUserHandler(userService, logger)

	router := gin.New()
	api.SetupRoutes(router, clients.Auth, userHandler, cfg.ClientURL, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
