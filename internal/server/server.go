// Package server exposes the synchronization service over HTTP: the merge
// endpoint, the status probe and the realtime websocket channel.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quickaudit/fieldsync/internal/apperr"
	"github.com/quickaudit/fieldsync/internal/merge"
	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/realtime"
)

// Server routes sync traffic to the merge service and the realtime hub.
type Server struct {
	merger   *merge.Service
	hub      *realtime.Hub
	resolver TokenResolver
	logger   *slog.Logger
}

func New(merger *merge.Service, hub *realtime.Hub, resolver TokenResolver, logger *slog.Logger) *Server {
	return &Server{merger: merger, hub: hub, resolver: resolver, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.auth(s.handleSync))
	mux.HandleFunc("GET /sync/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /ws", s.auth(s.handleWS))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// auth authenticates the bearer token and stashes the resolved identity in
// the request context.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, ok := s.resolver.Resolve(token)
		if !ok {
			s.writeError(w, http.StatusForbidden, "unrecognized token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

func identityFrom(r *http.Request) Identity {
	id, _ := r.Context().Value(identityKey{}).(Identity)
	return id
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	var req models.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed sync request: "+err.Error())
		return
	}

	resp, err := s.merger.Sync(r.Context(), id.TenantID, id.UserID, req)
	if err != nil {
		s.logger.Error("sync round failed",
			"tenant", id.TenantID, "operations", len(req.Operations), "error", err)
		status := http.StatusInternalServerError
		if apperr.Is(err, apperr.ErrValidation) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, "sync failed")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	report, err := s.merger.Status(r.Context(), id.TenantID)
	if err != nil {
		s.logger.Error("status query failed", "tenant", id.TenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	s.hub.ServeWS(w, r, id.TenantID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
