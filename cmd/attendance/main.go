package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/app"
	"github.com/Spok95/school-attendance/internal/config"
	"github.com/Spok95/school-attendance/internal/logging"
	"github.com/Spok95/school-attendance/internal/observability"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()
	logger := lg.Base

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		logger.Warn("sentry init failed", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		observability.CaptureErr(err)
		return
	}
	defer a.Close()

	logger.Info("attendance service starting",
		zap.String("version", version),
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("memory_store", cfg.MemoryStore),
	)
	if err := a.Run(ctx); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		observability.CaptureErr(err)
		return
	}
	logger.Info("shutdown finished")
}
