// Package dataplane serves the user-facing bot API and the endpoints bot
// containers call while running: heartbeats, events, status reports,
// screenshots, and startup config.
package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/intake"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/router"
	"github.com/meeboter/meeboter/internal/store"
)

// Store is the persistence surface the data plane handlers need.
type Store interface {
	GetBotForUser(ctx context.Context, id, userID int64) (*domain.Bot, error)
	ListBots(ctx context.Context, userID int64, page, pageSize int) ([]*domain.Bot, error)
	UpdateBot(ctx context.Context, id, userID int64, patch *store.BotPatch) (*domain.Bot, error)
	DeleteBot(ctx context.Context, id, userID int64) error
	SetLogLevel(ctx context.Context, botID int64, level domain.LogLevel) error
	ListEvents(ctx context.Context, botID int64, limit, offset int) ([]*domain.Event, error)
	TotalActiveBotCount(ctx context.Context) (int, error)
}

// Orchestrator drives bot lifecycle operations.
type Orchestrator interface {
	CreateBot(ctx context.Context, b *domain.Bot) (*domain.Bot, *router.Result, error)
	Deploy(ctx context.Context, botID int64, queueTimeout time.Duration) (*router.Result, error)
	CancelDeployment(ctx context.Context, botID, userID int64) error
	RemoveFromCall(ctx context.Context, botID, userID int64) error
}

// Intake handles the bot-container endpoints.
type Intake interface {
	Heartbeat(ctx context.Context, botID int64) (*intake.HeartbeatResponse, error)
	Submit(events []domain.Event)
	UpdateStatus(ctx context.Context, botID int64, report intake.StatusReport) error
	AddScreenshot(ctx context.Context, botID int64, shot domain.Screenshot) error
	PoolSlotConfig(ctx context.Context, appUUID string) (*domain.BotConfig, error)
	BotConfigFor(ctx context.Context, botID int64) (*domain.BotConfig, error)
}

// Handler handles data plane HTTP requests.
type Handler struct {
	Store  Store
	Orch   Orchestrator
	Intake Intake
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Bot CRUD, scoped to the calling user
	mux.HandleFunc("POST /bots", h.CreateBot)
	mux.HandleFunc("GET /bots", h.ListBots)
	mux.HandleFunc("GET /bots/active/count", h.ActiveBotCount)
	mux.HandleFunc("GET /bots/{id}", h.GetBot)
	mux.HandleFunc("PATCH /bots/{id}", h.UpdateBot)
	mux.HandleFunc("DELETE /bots/{id}", h.DeleteBot)

	// Lifecycle
	mux.HandleFunc("POST /bots/{id}/deploy", h.DeployBot)
	mux.HandleFunc("POST /bots/{id}/cancel", h.CancelBot)
	mux.HandleFunc("POST /bots/{id}/leave", h.LeaveBot)
	mux.HandleFunc("GET /bots/{id}/events", h.ListEvents)
	mux.HandleFunc("PUT /bots/{id}/log-level", h.SetLogLevel)

	// Bot container endpoints
	mux.HandleFunc("POST /internal/bots/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /internal/bots/{id}/events", h.SubmitEvents)
	mux.HandleFunc("POST /internal/bots/{id}/status", h.UpdateStatus)
	mux.HandleFunc("POST /internal/bots/{id}/screenshots", h.AddScreenshot)
	mux.HandleFunc("GET /internal/bots/{id}/config", h.BotConfig)
	mux.HandleFunc("GET /internal/pool/{app_uuid}/config", h.PoolSlotConfig)
}

// userID reads the authenticated user from the request. The auth proxy in
// front of the control plane sets the header; an absent header is a client
// error, not anonymous access.
func userID(r *http.Request) (int64, bool) {
	v := r.Header.Get("X-User-ID")
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// CreateBot handles POST /bots
func (h *Handler) CreateBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}

	var req struct {
		Meeting             domain.Meeting         `json:"meeting"`
		DisplayName         string                 `json:"display_name"`
		AvatarURL           string                 `json:"avatar_url"`
		RecordingEnabled    bool                   `json:"recording_enabled"`
		ChatEnabled         *bool                  `json:"chat_enabled"`
		StartTime           *time.Time             `json:"start_time"`
		EndTime             *time.Time             `json:"end_time"`
		Timezone            string                 `json:"timezone"`
		HeartbeatIntervalMS int64                  `json:"heartbeat_interval_ms"`
		AutomaticLeave      domain.AutomaticLeave  `json:"automatic_leave"`
		WebhookURL          string                 `json:"webhook_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Meeting.URL == "" {
		http.Error(w, "meeting.meeting_url is required", http.StatusBadRequest)
		return
	}
	if !req.Meeting.Platform.Valid() {
		http.Error(w, fmt.Sprintf("unknown meeting platform %q", req.Meeting.Platform), http.StatusBadRequest)
		return
	}

	// Chat is on unless the caller explicitly turns it off.
	chatEnabled := req.ChatEnabled == nil || *req.ChatEnabled

	bot := &domain.Bot{
		UserID:              uid,
		Meeting:             req.Meeting,
		DisplayName:         req.DisplayName,
		AvatarURL:           req.AvatarURL,
		RecordingEnabled:    req.RecordingEnabled,
		ChatEnabled:         chatEnabled,
		StartTime:           req.StartTime,
		EndTime:             req.EndTime,
		Timezone:            req.Timezone,
		HeartbeatIntervalMS: req.HeartbeatIntervalMS,
		AutomaticLeave:      req.AutomaticLeave,
		WebhookURL:          req.WebhookURL,
	}

	created, outcome, err := h.Orch.CreateBot(r.Context(), bot)
	if err != nil {
		logging.Op().Error("create bot failed", "user", uid, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"bot":        created,
		"deployment": outcome,
	})
}

// ListBots handles GET /bots
func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	bots, err := h.Store.ListBots(r.Context(), uid, page, pageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if bots == nil {
		bots = []*domain.Bot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

// ActiveBotCount handles GET /bots/active/count
func (h *Handler) ActiveBotCount(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(r); !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	n, err := h.Store.TotalActiveBotCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": n})
}

// GetBot handles GET /bots/{id}
func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	bot, err := h.Store.GetBotForUser(r.Context(), id, uid)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// UpdateBot handles PATCH /bots/{id}
func (h *Handler) UpdateBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	var patch store.BotPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	bot, err := h.Store.UpdateBot(r.Context(), id, uid, &patch)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// DeleteBot handles DELETE /bots/{id}
func (h *Handler) DeleteBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	err := h.Store.DeleteBot(r.Context(), id, uid)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeployBot handles POST /bots/{id}/deploy
func (h *Handler) DeployBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	// Ownership check before any state changes.
	if _, err := h.Store.GetBotForUser(r.Context(), id, uid); err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			http.Error(w, "bot not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req struct {
		QueueTimeoutMS int64 `json:"queue_timeout_ms"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	outcome, err := h.Orch.Deploy(r.Context(), id, time.Duration(req.QueueTimeoutMS)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// CancelBot handles POST /bots/{id}/cancel
func (h *Handler) CancelBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	err := h.Orch.CancelDeployment(r.Context(), id, uid)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LeaveBot handles POST /bots/{id}/leave
func (h *Handler) LeaveBot(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	err := h.Orch.RemoveFromCall(r.Context(), id, uid)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListEvents handles GET /bots/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}
	if _, err := h.Store.GetBotForUser(r.Context(), id, uid); err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			http.Error(w, "bot not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	events, err := h.Store.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SetLogLevel handles PUT /bots/{id}/log-level
func (h *Handler) SetLogLevel(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}
	if _, err := h.Store.GetBotForUser(r.Context(), id, uid); err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			http.Error(w, "bot not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req struct {
		LogLevel domain.LogLevel `json:"log_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !req.LogLevel.Valid() {
		http.Error(w, fmt.Sprintf("unknown log level %q", req.LogLevel), http.StatusBadRequest)
		return
	}

	if err := h.Store.SetLogLevel(r.Context(), id, req.LogLevel); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /internal/bots/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}
	resp, err := h.Intake.Heartbeat(r.Context(), id)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitEvents handles POST /internal/bots/{id}/events
func (h *Handler) SubmitEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	var req struct {
		Events []domain.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	for i := range req.Events {
		req.Events[i].BotID = id
	}
	h.Intake.Submit(req.Events)
	w.WriteHeader(http.StatusAccepted)
}

// UpdateStatus handles POST /internal/bots/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	var report intake.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	err := h.Intake.UpdateStatus(r.Context(), id, report)
	switch {
	case errors.Is(err, store.ErrBotNotFound):
		http.Error(w, "bot not found", http.StatusNotFound)
	case errors.Is(err, store.ErrPreconditionFailed):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// AddScreenshot handles POST /internal/bots/{id}/screenshots
func (h *Handler) AddScreenshot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}

	var shot domain.Screenshot
	if err := json.NewDecoder(r.Body).Decode(&shot); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if shot.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	err := h.Intake.AddScreenshot(r.Context(), id, shot)
	if errors.Is(err, store.ErrBotNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// BotConfig handles GET /internal/bots/{id}/config
func (h *Handler) BotConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}
	cfg, err := h.Intake.BotConfigFor(r.Context(), id)
	h.writeConfig(w, cfg, err)
}

// PoolSlotConfig handles GET /internal/pool/{app_uuid}/config
func (h *Handler) PoolSlotConfig(w http.ResponseWriter, r *http.Request) {
	appUUID := r.PathValue("app_uuid")
	if appUUID == "" {
		http.Error(w, "application uuid is required", http.StatusBadRequest)
		return
	}
	cfg, err := h.Intake.PoolSlotConfig(r.Context(), appUUID)
	h.writeConfig(w, cfg, err)
}

func (h *Handler) writeConfig(w http.ResponseWriter, cfg *domain.BotConfig, err error) {
	switch {
	case errors.Is(err, intake.ErrSlotRetired):
		// 410 tells the container to exit instead of retrying.
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, store.ErrBotNotFound), errors.Is(err, store.ErrSlotNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, cfg)
	}
}
