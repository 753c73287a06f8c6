package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/HeKunYang1996/netsrv/engine"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

// adminServer exposes health, metrics, and the runtime route API
type adminServer struct {
	server *http.Server
	engine *engine.Engine
	logger *slog.Logger
}

func newAdminServer(port int, eng *engine.Engine, registry *metric.Registry, logger *slog.Logger) *adminServer {
	a := &adminServer{
		engine: eng,
		logger: logger.With("component", "admin"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/routes", a.handleRoutes)
	mux.HandleFunc("/devices", a.handleDevices)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/reload", a.handleReload)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *adminServer) start() {
	go func() {
		a.logger.Info("admin server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("admin server failed", "error", err)
		}
	}()
}

func (a *adminServer) stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = a.server.Shutdown(ctx)
}

func (a *adminServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("response encode failed", "error", err)
	}
}

func (a *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := a.engine.Health()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	a.writeJSON(w, code, status)
}

func (a *adminServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeJSON(w, http.StatusOK, a.engine.ListRoutes())
	case http.MethodPost:
		var rule route.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// Accept the same short type tags the config file does
		for i, dt := range rule.Types {
			rule.Types[i] = record.ParseDataType(string(dt))
		}
		if err := a.engine.AddRoute(&rule); err != nil {
			a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		a.writeJSON(w, http.StatusCreated, rule)
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name query parameter is required"})
			return
		}
		if err := a.engine.RemoveRoute(name); err != nil {
			a.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]string{"removed": name})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *adminServer) handleDevices(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.DeviceStates())
}

func (a *adminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.DeliveryStats())
}

func (a *adminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	gen, err := a.engine.Reload()
	if err != nil {
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"generation": gen.ID})
}
