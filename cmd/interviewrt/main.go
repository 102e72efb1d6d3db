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

	"github.com/ent0n29/interviewrt/internal/app"
	"github.com/ent0n29/interviewrt/internal/config"
	"github.com/ent0n29/interviewrt/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	res, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("build failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	res.Sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received", zap.Int("active_sessions", res.Sessions.ActiveCount()))

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked websocket conns, so brokers must
	// finish persisting before Cleanup closes the pool.
	res.Sessions.CancelAll()
	if err := res.Sessions.Drain(shutdownCtx); err != nil {
		logger.Warn("sessions still tearing down at shutdown deadline",
			zap.Int("active_sessions", res.Sessions.ActiveCount()), zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := res.Cleanup(); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
