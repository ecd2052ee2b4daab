// fieldsyncd is the tenant-side synchronization server. It exposes the
// merge endpoint, the status probe and the realtime websocket hub.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quickaudit/fieldsync/internal/config"
	"github.com/quickaudit/fieldsync/internal/db"
	"github.com/quickaudit/fieldsync/internal/logging"
	"github.com/quickaudit/fieldsync/internal/merge"
	"github.com/quickaudit/fieldsync/internal/realtime"
	"github.com/quickaudit/fieldsync/internal/server"
)

func main() {
	cfg := config.LoadServer()
	logger := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "data_dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub(logger)
	merger := merge.NewService(database.DB, logger, hub)
	resolver := server.ParseStaticTokens(cfg.AuthTokens)
	if len(resolver) == 0 {
		logger.Warn("no auth tokens configured, all requests will be rejected")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(merger, hub, resolver, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("fieldsyncd listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
