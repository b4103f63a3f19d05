package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinic-registration/internal/config"
	regBackend "clinic-registration/internal/infra/adapters/registration"
	pg "clinic-registration/internal/infra/db/postgres"
	"clinic-registration/internal/infra/logging"
	"clinic-registration/internal/infra/metrics"
	red "clinic-registration/internal/infra/redis"
	"clinic-registration/internal/infra/sched"
	"clinic-registration/internal/infra/scheduler"
	"clinic-registration/internal/infra/web"
	"clinic-registration/internal/usecase"

	"clinic-registration/internal/domain/ports/repository"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	kv := red.NewKVStore(redisClient, "reg", cfg.Redis.TTL)

	// ---- Postgres (optional audit log) ----
	var events repository.RegistrationEventRepository
	if cfg.Database.URL != "" {
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pool.Close()
		events = pg.NewEventRepo(pool)
	} else {
		logger.Warn().Msg("database.url not set; registration audit log disabled")
	}

	// ---- Remote registration backend ----
	backend, err := regBackend.NewHTTPBackend(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("registration backend")
	}

	// ---- Core ----
	store := usecase.NewStateStore(kv, cfg.Registration.MaxErrorCount, logger)
	cache := usecase.NewStatusCache(cfg.Registration.StatusCacheTTL)
	exec := usecase.NewRetryExecutor(logger)
	regUC := usecase.NewRegistrationUseCase(backend, store, cache, events, exec, usecase.RegistrationOptions{
		RetryBaseDelay:  cfg.Registration.RetryBaseDelay,
		OrderRetries:    cfg.Registration.OrderRetries,
		StatusRetries:   cfg.Registration.StatusRetries,
		CompleteRetries: cfg.Registration.CompleteRetries,
		Polling: scheduler.Config{
			InitialInterval:      cfg.Registration.Polling.InitialInterval,
			MaxInterval:          cfg.Registration.Polling.MaxInterval,
			BackoffMultiplier:    cfg.Registration.Polling.BackoffMultiplier,
			MaxDuration:          cfg.Registration.Polling.MaxDuration,
			SuccessResetInterval: cfg.Registration.Polling.SuccessResetInterval,
		},
		OnComplete: func(userID string) {
			logger.Info().Str("user_id", userID).Msg("registration terminal; UI layer notified")
		},
	}, logger)
	defer regUC.Shutdown()

	// ---- Periodic invariant validator ----
	validator := sched.NewStateValidator(store, cfg.Registration.ValidateInterval, logger)
	go validator.Start(ctx)

	// ---- HTTP server ----
	auth := web.NewAuthManager(cfg.Server.SessionSecret, cfg.Server.SessionTTL)
	srv := web.NewServer(regUC, store, auth, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}
