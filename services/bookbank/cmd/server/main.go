package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bookbank/internal/metrics"
	"bookbank/internal/util"
	"bookbank/pkg/storage"
	"bookbank/pkg/store"
	"bookbank/services/bookbank/internal/app"
	"bookbank/services/bookbank/internal/config"
	"bookbank/services/bookbank/internal/server"
)

func main() {
	path := os.Getenv("BOOKBANK_CONFIG")
	if path == "" {
		path = config.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDuration(cfg.SessionTTL, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	thumbnailTTL, err := config.ParseDuration(cfg.ThumbnailURLTTL, time.Hour)
	if err != nil {
		log.Fatalf("failed to parse thumbnail URL TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialector, err := store.Dialector(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to select database driver: %v", err)
	}
	dataStore, err := store.NewGormStore(dialector)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer dataStore.Close()

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer redisClient.Close()
	}

	sessions, err := newSessionStore(cfg, redisClient, sessionTTL)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		objects = minioStore
	} else {
		logger.Warn("object storage disabled, thumbnail uploads are rejected")
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	reg := metrics.New()
	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Sessions:          sessions,
		Objects:           objects,
		Metrics:           reg,
		StrictTransitions: cfg.StrictTransitions,
		ThumbnailURLTTL:   thumbnailTTL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Metrics:                  reg,
		Redis:                    redisClient,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		TrustedProxies:           trusted,
		SessionTTL:               sessionTTL,
		SessionCookieSecure:      cfg.SessionCookieSecure,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "store", cfg.DatabaseDriver, "sessions", cfg.SessionStrategy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newSessionStore(cfg config.FileConfig, client redis.UniversalClient, ttl time.Duration) (store.SessionStore, error) {
	switch cfg.SessionStrategy {
	case config.SessionJWT:
		var revoker store.TokenRevoker
		if client != nil {
			revoker = store.NewRedisTokenRevoker(client)
		}
		return store.NewJWTSessionStore(cfg.JWTSecret, ttl, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
	case config.SessionMemory:
		return store.NewMemorySessionStore(ttl), nil
	default:
		return store.NewRedisSessionStore(client, ttl), nil
	}
}
