package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carecall/internal/config"
	"carecall/internal/metrics"
	"carecall/internal/scheduler"
	"carecall/pkg/logger"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if cfg.App.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.App.WorkerID = host + "-" + uuid.NewString()
	}

	log := logger.New(cfg.App.Env).With("worker_id", cfg.App.WorkerID)
	slog.SetDefault(log)
	metrics.Register()

	injector := setupDI(&cfg)
	runner, err := do.Invoke[*scheduler.Runner](injector)
	if err != nil {
		log.Error("dependency graph failed", "err", err)
		os.Exit(1)
	}
	ticker := do.MustInvoke[*scheduler.Ticker](injector)
	db := do.MustInvoke[*sql.DB](injector)
	defer db.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()

	runner.Start(logger.With(context.Background(), log))
	log.Info("scheduler started", "tick", cfg.Scheduler.TickInterval, "lease_backend", cfg.Scheduler.LeaseBackend)

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	// Stop waits for the in-flight tick to return before the lease is released.
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ticker.Release(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", "err", err)
	}
}
