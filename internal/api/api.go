// Package api exposes the control plane's admin HTTP surface: routing
// for external tool-execution layers plus pool introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mcplane/internal/orchestrator"
)

// API serves the admin endpoints for one orchestrator.
type API struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	server *http.Server
}

// New creates the admin API bound to addr.
func New(addr string, orch *orchestrator.Orchestrator, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{orch: orch, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/servers", a.handleServers)
	mux.HandleFunc("/route", a.handleRoute)

	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Start serves until Shutdown is called. It blocks.
func (a *API) Start() error {
	a.logger.Info("admin API listening", zap.String("addr", a.server.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// routeRequest is the body accepted by POST /route.
type routeRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
	SessionID string                 `json:"session_id,omitempty"`
}

// routeResponse is returned by POST /route.
type routeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tool == "" {
		http.Error(w, "tool name required", http.StatusBadRequest)
		return
	}

	result, err := a.orch.Route(r.Context(), req.Tool, req.Arguments, req.SessionID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, orchestrator.ErrNoHealthyServer) ||
			errors.Is(err, orchestrator.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, routeResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{Result: result})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.orch.Stats())
}

func (a *API) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.orch.ServerDetails())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
