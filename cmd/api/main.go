package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

func main() {
	// .env is loaded best-effort inside config.Load
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.LogConfig{
		Level:      cfg.Log.Level,
		Dev:        cfg.Log.Dev,
		File:       cfg.Log.File,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting service-account-go", "store", cfg.StoreDriver, "addr", cfg.HTTP.Addr)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repo.Open(ctx, cfg)
	if err != nil {
		sugar.Fatalf("store connect: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			sugar.Warnf("store close failed: %v", err)
		}
	}()

	var verifier user.IdentityVerifier
	if cfg.ExternalAuthEnabled() {
		client, err := identity.NewClient(identity.Config{
			AppID:           cfg.Privy.AppID,
			AppSecret:       cfg.Privy.AppSecret,
			APIURL:          cfg.Privy.APIURL,
			VerificationKey: cfg.Privy.VerificationKey,
			Timeout:         cfg.Privy.Timeout,
			JWKSCacheTTL:    cfg.Privy.JWKSCacheTTL,
		}, sugar)
		if err != nil {
			sugar.Fatalf("identity client: %v", err)
		}
		verifier = client
	} else {
		sugar.Warn("PRIVY_APP_ID/PRIVY_APP_SECRET not set; external sign-in disabled")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar)
		sugar.Infow("publishing account events", "topic", cfg.Kafka.Topic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			sugar.Warnf("event publisher close failed: %v", err)
		}
	}()

	limiter, stopLimiter := newLimiter(ctx, cfg, sugar)
	defer stopLimiter()

	svc := user.NewUserService(store, user.NewBcryptHasher(cfg.Hash.Cost, cfg.Hash.Concurrency), verifier, publisher, sugar)
	svc.ExternalEmailVerifiedDefault = cfg.Policy.ExternalEmailVerifiedDefault
	svc.LegacyDeactivatedMessage = cfg.Policy.LegacyDeactivatedMessage
	user.RegisterMetrics()

	// mount http server
	handler := router.RegisterRoutes(router.Deps{
		Logger:      sugar,
		BasePath:    cfg.BasePath,
		CORSOrigins: cfg.CORSOrigins,
		Users:       user.NewHandler(svc, sugar),
		Limiter:     limiter,
		Health:      store.Ping,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// shutdown http server
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// newLimiter prefers a Redis window shared across instances and falls back to
// a per-process limiter when Redis is not configured or unreachable.
func newLimiter(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (router.Limiter, func()) {
	if cfg.RateLimit.PerMinute <= 0 {
		return nil, func() {}
	}
	if cfg.Redis.Addr != "" {
		rdb, err := database.ConnectRedis(ctx, database.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err == nil {
			return router.NewRedisLimiter(rdb, cfg.RateLimit.PerMinute), func() { _ = rdb.Close() }
		}
		sugar.Warnf("redis unavailable, using in-process rate limiting: %v", err)
	}
	l := router.NewIPLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	return l, l.Stop
}
