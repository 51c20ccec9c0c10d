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

	"github.com/redis/go-redis/v9"

	"flownote/internal/ratelimit"
	"flownote/internal/usertoken"
	"flownote/internal/util"
	"flownote/pkg/feed"
	"flownote/pkg/notify"
	"flownote/pkg/storage"
	"flownote/pkg/store"
	"flownote/services/school/internal/app"
	"flownote/services/school/internal/config"
	"flownote/services/school/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "school", cfg.LogsDir)
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
	}

	var dataStore store.Store
	if cfg.StoreBackend == "memory" {
		slog.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	}

	var objects storage.ObjectStore
	var fileDir string
	switch cfg.StorageBackend {
	case "local":
		fs, err := storage.NewFileStore(cfg.LocalStorageDir, cfg.PublicBaseURL+"/files")
		if err != nil {
			util.Fatal("failed to init file storage", "err", err)
		}
		objects = fs
		if cfg.ServeLocalFiles {
			slog.Warn("serving local blobs at /files without authentication; development only")
			fileDir = fs.Dir()
		}
	default:
		objects, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:       cfg.MinioEndpoint,
			PublicEndpoint: cfg.MinioPublicEndpoint,
			AccessKey:      cfg.MinioAccessKey,
			SecretKey:      cfg.MinioSecretKey,
			Bucket:         cfg.MinioBucket,
			UseSSL:         cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init minio storage", "err", err)
		}
	}

	leeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	ttl, _ := config.ParseJWTTTL(cfg.JWTTTL)
	tokens, err := usertoken.NewManager(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      ttl,
		Leeway:   leeway,
		Revoker:  usertoken.NewRedisRevoker(redisClient),
	})
	if err != nil {
		util.Fatal("failed to init token manager", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}
	var authLimiter *ratelimit.FixedWindowLimiter
	if cfg.LoginRateLimitPerMinute > 0 {
		authLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "flownote:ratelimit:auth", cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init auth limiter", "err", err)
		}
	}

	changes, err := feed.NewRedisFeed(redisClient, "", logger)
	if err != nil {
		util.Fatal("failed to init change feed", "err", err)
	}
	var notifier notify.Publisher = notify.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, "school")
		if err != nil {
			util.Fatal("failed to init amqp publisher", "err", err)
		}
		notifier = amqpPublisher
	}
	defer notifier.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		Store:         dataStore,
		Objects:       objects,
		Tokens:        tokens,
		Feed:          changes,
		Notifier:      notifier,
		Logger:        logger,
		MaxPrintBytes: int64(cfg.MaxPrintMB) << 20,
		PresignExpiry: time.Duration(cfg.PresignExpiryMinutes) * time.Minute,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if cfg.SeedAdminEmail != "" {
		if _, err := appCore.EnsureAdmin(ctx, cfg.SeedAdminEmail, cfg.SeedAdminPassword, cfg.SeedAdminName, cfg.SeedAdminSchoolID); err != nil {
			util.Fatal("failed to seed admin", "err", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Tokens:         tokens,
		AuthLimiter:    authLimiter,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}
	var handler http.Handler = httpServer.Router()
	if fileDir != "" {
		root := http.NewServeMux()
		root.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.Dir(fileDir))))
		root.Handle("/", handler)
		handler = root
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: live websocket views stay open
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(httpServer.CloseLive)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "err", err)
		}
		httpServer.CloseLive()
	}()

	slog.Info("school server listening", "addr", addr, "store", cfg.StoreBackend, "storage", cfg.StorageBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		stop()
	}
	<-drained
	slog.Info("school server stopped")
}
