// Package api assembles the HTTP surface: data plane routes for users and
// bot containers, control plane routes for operators, health probes, and the
// metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/meeboter/meeboter/internal/api/controlplane"
	"github.com/meeboter/meeboter/internal/api/dataplane"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/metrics"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store        dataplane.Store
	Orchestrator dataplane.Orchestrator
	Intake       dataplane.Intake

	InfraStore controlplane.Store
	Pool       controlplane.Pool
	Reconciler controlplane.Reconciler
	Backend    controlplane.Backend
	Router     controlplane.Router
	Platforms  []string

	Metrics *metrics.Metrics
	Pinger  Pinger
}

// StartHTTPServer creates and starts the HTTP server with data plane and
// control plane handlers. The returned server is already listening.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	dpHandler := &dataplane.Handler{
		Store:  cfg.Store,
		Orch:   cfg.Orchestrator,
		Intake: cfg.Intake,
	}
	dpHandler.RegisterRoutes(mux)

	cpHandler := &controlplane.Handler{
		Store:      cfg.InfraStore,
		Pool:       cfg.Pool,
		Reconciler: cfg.Reconciler,
		Backend:    cfg.Backend,
		Router:     cfg.Router,
		Platforms:  cfg.Platforms,
	}
	cpHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", healthHandler(cfg.Pinger))
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /health/ready", healthHandler(cfg.Pinger))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			writeStatus(w, http.StatusOK, "ok")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "not_ready",
				"error":  "postgres unavailable: " + err.Error(),
			})
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
