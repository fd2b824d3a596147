// Package controlplane serves the operator-facing infrastructure API: pool
// and queue statistics, slot management, and reconcile triggers.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/monitor"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/pool"
	"github.com/meeboter/meeboter/internal/store"
)

// Store is the persistence surface the control plane handlers need.
type Store interface {
	ListGlobalQueue(ctx context.Context) ([]*store.GlobalQueueEntry, error)
	GlobalQueueStats(ctx context.Context) (*store.QueueStats, error)
	ListSlots(ctx context.Context) ([]*store.PoolSlot, error)
	GetSlot(ctx context.Context, slotID int64) (*store.PoolSlot, error)
	DeleteSlot(ctx context.Context, slotID int64) error
	ActiveBotCount(ctx context.Context, platform string) (int, error)
	TotalActiveBotCount(ctx context.Context) (int, error)
}

// Pool exposes the slot pool's stats surface.
type Pool interface {
	Stats(ctx context.Context) (*pool.Stats, error)
	MaxPoolSize() int
}

// Reconciler runs an on-demand backend reconcile pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (*monitor.ReconcileReport, error)
}

// Backend tears down slot applications when an operator deletes a slot.
type Backend interface {
	DeleteApplication(ctx context.Context, appUUID string) error
}

// Router resolves platform names to their adapters for the deployment admin
// endpoints.
type Router interface {
	Adapter(name string) platform.Adapter
}

// Handler handles control plane HTTP requests.
type Handler struct {
	Store      Store
	Pool       Pool
	Reconciler Reconciler
	Backend    Backend
	Router     Router

	// Platforms lists the enabled deployment platforms in priority order.
	Platforms []string
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /infra/pool/stats", h.PoolStats)
	mux.HandleFunc("GET /infra/pool/slots", h.ListSlots)
	mux.HandleFunc("DELETE /infra/pool/slots/{id}", h.DeleteSlot)

	mux.HandleFunc("GET /infra/queue", h.ListGlobalQueue)
	mux.HandleFunc("GET /infra/queue/stats", h.GlobalQueueStats)

	mux.HandleFunc("GET /infra/platforms", h.PlatformStats)
	mux.HandleFunc("GET /infra/deployments/{platform}", h.ListDeployments)
	mux.HandleFunc("DELETE /infra/deployments/{platform}/{id...}", h.StopDeployment)
	mux.HandleFunc("POST /infra/reconcile", h.TriggerReconcile)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// PoolStats handles GET /infra/pool/stats
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	if h.Pool == nil {
		http.Error(w, "pool platform is not enabled", http.StatusNotFound)
		return
	}
	stats, err := h.Pool.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListSlots handles GET /infra/pool/slots
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.Store.ListSlots(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if slots == nil {
		slots = []*store.PoolSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

// DeleteSlot handles DELETE /infra/pool/slots/{id}. The backend application
// is deleted best-effort; the row always goes.
func (h *Handler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid slot id", http.StatusBadRequest)
		return
	}

	slot, err := h.Store.GetSlot(r.Context(), id)
	if errors.Is(err, store.ErrSlotNotFound) {
		http.Error(w, "slot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if slot.AssignedBotID != nil {
		http.Error(w, "slot has an assigned bot; cancel the bot first", http.StatusConflict)
		return
	}

	if h.Backend != nil && !slot.PendingApplicationUUID() {
		if err := h.Backend.DeleteApplication(r.Context(), slot.ApplicationUUID); err != nil {
			logging.Op().Warn("backend delete for removed slot failed",
				"slot", slot.SlotName, "error", err)
		}
	}
	if err := h.Store.DeleteSlot(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGlobalQueue handles GET /infra/queue
func (h *Handler) ListGlobalQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListGlobalQueue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*store.GlobalQueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GlobalQueueStats handles GET /infra/queue/stats
func (h *Handler) GlobalQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GlobalQueueStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// PlatformStats handles GET /infra/platforms
func (h *Handler) PlatformStats(w http.ResponseWriter, r *http.Request) {
	total, err := h.Store.TotalActiveBotCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	perPlatform := make(map[string]int, len(h.Platforms))
	for _, name := range h.Platforms {
		n, err := h.Store.ActiveBotCount(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		perPlatform[name] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_active": total,
		"platforms":    perPlatform,
	})
}

// ListDeployments handles GET /infra/deployments/{platform}. Pool slots are
// listed from their rows instead; batch platforms enumerate live containers.
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	adapter := h.adapter(r.PathValue("platform"))
	if adapter == nil {
		http.Error(w, "unknown or disabled platform", http.StatusNotFound)
		return
	}
	lister, ok := adapter.(platform.Lister)
	if !ok {
		http.Error(w, "platform does not list deployments; see /infra/pool/slots", http.StatusNotFound)
		return
	}

	deployments, err := lister.ListDeployments(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if deployments == nil {
		deployments = []platform.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

// StopDeployment handles DELETE /infra/deployments/{platform}/{id...}. The
// identifier may contain slashes (task ARNs do).
func (h *Handler) StopDeployment(w http.ResponseWriter, r *http.Request) {
	adapter := h.adapter(r.PathValue("platform"))
	if adapter == nil {
		http.Error(w, "unknown or disabled platform", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "deployment identifier is required", http.StatusBadRequest)
		return
	}

	if err := adapter.Stop(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logging.Op().Info("operator stopped deployment", "platform", adapter.Name(), "identifier", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adapter(name string) platform.Adapter {
	if h.Router == nil {
		return nil
	}
	return h.Router.Adapter(name)
}

// TriggerReconcile handles POST /infra/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		http.Error(w, "pool platform is not enabled", http.StatusNotFound)
		return
	}
	report, err := h.Reconciler.Reconcile(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
