// fieldsync-agent is the device-side daemon. It owns the local entity
// store and the durable sync queue, delivers queued operations when
// connectivity allows, and keeps the local store warm through the
// realtime channel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quickaudit/fieldsync/internal/config"
	"github.com/quickaudit/fieldsync/internal/db"
	"github.com/quickaudit/fieldsync/internal/logging"
	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/netmon"
	"github.com/quickaudit/fieldsync/internal/queue"
	"github.com/quickaudit/fieldsync/internal/realtime"
	"github.com/quickaudit/fieldsync/internal/repo"
	"github.com/quickaudit/fieldsync/internal/syncer"
	"github.com/quickaudit/fieldsync/internal/transport"
)

func main() {
	cfg := config.LoadAgent()
	logger := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	if cfg.TenantID == "" || cfg.AuthToken == "" {
		logger.Error("FIELDSYNC_TENANT_ID and FIELDSYNC_AUTH_TOKEN are required")
		os.Exit(1)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open local store", "data_dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	store, err := queue.NewStore(database.DB)
	if err != nil {
		logger.Error("failed to open sync queue", "error", err)
		os.Exit(1)
	}

	token := transport.StaticToken(cfg.AuthToken)
	client := transport.NewSyncClient(cfg.ServerURL, token)
	monitor := netmon.NewProbeMonitor(cfg.ProbeURL, cfg.ProbeEvery, logger)

	manager := syncer.NewManager(store, repo.NewAdapters(database.DB), client, monitor, logger, syncer.Config{
		TenantID:     cfg.TenantID,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		FlushTimeout: cfg.FlushTimeout,
		SyncInterval: cfg.SyncInterval,
	})

	rt := realtime.NewClient(realtime.ClientConfig{
		URL:    wsURL(cfg.ServerURL),
		Tokens: token,
		Logger: logger,
	})
	for _, t := range models.EntityTypes {
		rt.On(realtime.EventType(t), manager.EntityListener(t))
	}
	manager.SetEmitter(rt.Emit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		// The channel is an optimization; the agent stays useful without
		// it, so exhausted reconnects only log.
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("realtime channel gave up", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           statusHandler(manager, rt),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("agent status endpoint listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status endpoint exited", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
}

// statusHandler serves the loopback status surface for local tooling.
func statusHandler(manager *syncer.Manager, rt *realtime.Client) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats, watermark, err := manager.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queue":     stats,
			"watermark": watermark,
			"realtime":  rt.State(),
		})
	})
	mux.HandleFunc("POST /quarantine/requeue", func(w http.ResponseWriter, r *http.Request) {
		n, err := manager.RequeueQuarantined(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func wsURL(serverURL string) string {
	u := serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}
