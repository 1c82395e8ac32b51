package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"comandero/backend/internal/cache"
	"comandero/backend/internal/closing"
	"comandero/backend/internal/config"
	"comandero/backend/internal/httpapi"
	"comandero/backend/internal/service"
	"comandero/backend/internal/store"
	"comandero/backend/internal/store/memory"
	pgstore "comandero/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := newLogger()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	board := cache.BoardCache(cache.NoopBoardCache{})
	if cfg.RedisAddr != "" {
		redisBoard := cache.NewRedisBoardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBoard.Ping(ctx); err != nil {
			logger.Warnf("redis unavailable (%v), using noop cache", err)
		} else {
			board = redisBoard
			closers = append(closers, redisBoard.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warnf("unknown timezone %q, using UTC", cfg.Timezone)
		loc = time.UTC
	}

	alertLimit, err := decimal.NewFromString(cfg.DiscrepancyAlertLimit)
	if err != nil {
		logger.Warnf("bad DISCREPANCY_ALERT_LIMIT %q, using 0.50", cfg.DiscrepancyAlertLimit)
		alertLimit = decimal.RequireFromString("0.50")
	}

	svc := service.New(repo, logger, service.Options{
		ComandaTTL:      time.Duration(cfg.ComandaExpiryMinutes) * time.Minute,
		EffectQueueSize: cfg.SideEffectQueueSize,
	})

	calc := closing.NewCalculator(repo, logger, alertLimit, loc)
	sched := closing.NewScheduler(calc, logger, loc, cfg.ClosingHour, cfg.ClosingMinute, cfg.SchedulerLogCapacity)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, sched, calc, board, logger, cfg.AllowedOrigin)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	svc.Start(runCtx)
	sched.Start()
	go svc.RunExpirySweep(runCtx, time.Minute)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("comandero backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown error: %v", err)
	}

	sched.Stop()
	runCancel()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warnf("close error: %v", err)
		}
	}

	logger.Info("server stopped")
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
