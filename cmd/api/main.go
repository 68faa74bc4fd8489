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

	"carecall/internal/auth"
	"carecall/internal/bridge"
	"carecall/internal/config"
	"carecall/internal/httpapi"
	"carecall/internal/metrics"
	"carecall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/samber/do/v2"
)

const shutdownFarewell = "I'm sorry, I have to end our call now. I'll talk with you again soon. Goodbye."

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if cfg.App.WorkerID == "" {
		cfg.App.WorkerID = "api-" + uuid.NewString()
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	metrics.Register()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	injector := setupDI(&cfg)
	handlers, err := do.Invoke[*httpapi.Handlers](injector)
	if err != nil {
		log.Error("dependency graph failed", "err", err)
		os.Exit(1)
	}
	tokens := do.MustInvoke[*auth.Manager](injector)
	bridges := do.MustInvoke[*bridge.Manager](injector)
	db := do.MustInvoke[*sql.DB](injector)
	defer db.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newRouter(log, &cfg, handlers, tokens),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// media streams are hijacked connections; Shutdown does not wait for them
	if left := bridges.Shutdown(shutdownCtx, shutdownFarewell); left > 0 {
		log.Warn("force-closed live calls", "count", left)
	}
}
