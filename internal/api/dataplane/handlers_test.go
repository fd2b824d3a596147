package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/intake"
	"github.com/meeboter/meeboter/internal/router"
	"github.com/meeboter/meeboter/internal/store"
)

type fakeStore struct {
	bots      map[int64]*domain.Bot
	logLevels map[int64]domain.LogLevel
	events    map[int64][]*domain.Event
	deleted   []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:      make(map[int64]*domain.Bot),
		logLevels: make(map[int64]domain.LogLevel),
		events:    make(map[int64][]*domain.Event),
	}
}

func (f *fakeStore) GetBotForUser(_ context.Context, id, userID int64) (*domain.Bot, error) {
	b, ok := f.bots[id]
	if !ok || b.UserID != userID {
		return nil, store.ErrBotNotFound
	}
	return b, nil
}

func (f *fakeStore) ListBots(_ context.Context, userID int64, _, _ int) ([]*domain.Bot, error) {
	var out []*domain.Bot
	for _, b := range f.bots {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateBot(ctx context.Context, id, userID int64, patch *store.BotPatch) (*domain.Bot, error) {
	b, err := f.GetBotForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if patch.DisplayName != nil {
		b.DisplayName = *patch.DisplayName
	}
	return b, nil
}

func (f *fakeStore) DeleteBot(ctx context.Context, id, userID int64) error {
	if _, err := f.GetBotForUser(ctx, id, userID); err != nil {
		return err
	}
	delete(f.bots, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) SetLogLevel(_ context.Context, botID int64, level domain.LogLevel) error {
	f.logLevels[botID] = level
	return nil
}

func (f *fakeStore) ListEvents(_ context.Context, botID int64, _, _ int) ([]*domain.Event, error) {
	return f.events[botID], nil
}

func (f *fakeStore) TotalActiveBotCount(context.Context) (int, error) {
	n := 0
	for _, b := range f.bots {
		if b.Status.Active() {
			n++
		}
	}
	return n, nil
}

type fakeOrch struct {
	created   *domain.Bot
	result    *router.Result
	deployErr error
	cancelErr error
	leaveErr  error
	cancelled []int64
	left      []int64
}

func (f *fakeOrch) CreateBot(_ context.Context, b *domain.Bot) (*domain.Bot, *router.Result, error) {
	c := *b
	c.ID = 1
	f.created = &c
	return &c, f.result, nil
}

func (f *fakeOrch) Deploy(_ context.Context, botID int64, _ time.Duration) (*router.Result, error) {
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return f.result, nil
}

func (f *fakeOrch) CancelDeployment(_ context.Context, botID, userID int64) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, botID)
	return nil
}

func (f *fakeOrch) RemoveFromCall(_ context.Context, botID, userID int64) error {
	if f.leaveErr != nil {
		return f.leaveErr
	}
	f.left = append(f.left, botID)
	return nil
}

type fakeIntake struct {
	heartbeatResp *intake.HeartbeatResponse
	heartbeatErr  error
	submitted     []domain.Event
	statusErr     error
	reports       []intake.StatusReport
	shots         []domain.Screenshot
	config        *domain.BotConfig
	configErr     error
}

func (f *fakeIntake) Heartbeat(_ context.Context, botID int64) (*intake.HeartbeatResponse, error) {
	return f.heartbeatResp, f.heartbeatErr
}

func (f *fakeIntake) Submit(events []domain.Event) {
	f.submitted = append(f.submitted, events...)
}

func (f *fakeIntake) UpdateStatus(_ context.Context, botID int64, report intake.StatusReport) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeIntake) AddScreenshot(_ context.Context, botID int64, shot domain.Screenshot) error {
	f.shots = append(f.shots, shot)
	return nil
}

func (f *fakeIntake) PoolSlotConfig(context.Context, string) (*domain.BotConfig, error) {
	return f.config, f.configErr
}

func (f *fakeIntake) BotConfigFor(context.Context, int64) (*domain.BotConfig, error) {
	return f.config, f.configErr
}

func newTestMux(st *fakeStore, orch *fakeOrch, in *fakeIntake) *http.ServeMux {
	mux := http.NewServeMux()
	h := &Handler{Store: st, Orch: orch, Intake: in}
	h.RegisterRoutes(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCreateBot(t *testing.T) {
	orch := &fakeOrch{result: &router.Result{Platform: "coolify", Identifier: "app-1"}}
	mux := newTestMux(newFakeStore(), orch, &fakeIntake{})

	w := doJSON(t, mux, "POST", "/bots", "9", map[string]any{
		"meeting": map[string]any{
			"platform":    "meet",
			"meeting_url": "https://meet.example.com/abc",
		},
	})

	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, orch.created)
	assert.Equal(t, int64(9), orch.created.UserID)
	assert.True(t, orch.created.ChatEnabled, "chat must default on when the field is absent")
}

func TestCreateBotChatEnabledDefault(t *testing.T) {
	meeting := map[string]any{
		"platform":    "meet",
		"meeting_url": "https://meet.example.com/abc",
	}

	orch := &fakeOrch{}
	mux := newTestMux(newFakeStore(), orch, &fakeIntake{})
	w := doJSON(t, mux, "POST", "/bots", "9", map[string]any{"meeting": meeting})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, orch.created.ChatEnabled)

	orch = &fakeOrch{}
	mux = newTestMux(newFakeStore(), orch, &fakeIntake{})
	w = doJSON(t, mux, "POST", "/bots", "9", map[string]any{
		"meeting":      meeting,
		"chat_enabled": false,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, orch.created.ChatEnabled, "an explicit false must stick")

	orch = &fakeOrch{}
	mux = newTestMux(newFakeStore(), orch, &fakeIntake{})
	w = doJSON(t, mux, "POST", "/bots", "9", map[string]any{
		"meeting":      meeting,
		"chat_enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, orch.created.ChatEnabled)
}

func TestCreateBotRequiresUser(t *testing.T) {
	mux := newTestMux(newFakeStore(), &fakeOrch{}, &fakeIntake{})
	w := doJSON(t, mux, "POST", "/bots", "", map[string]any{
		"meeting": map[string]any{"platform": "meet", "meeting_url": "https://x"},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateBotRejectsUnknownPlatform(t *testing.T) {
	mux := newTestMux(newFakeStore(), &fakeOrch{}, &fakeIntake{})
	w := doJSON(t, mux, "POST", "/bots", "9", map[string]any{
		"meeting": map[string]any{"platform": "webex", "meeting_url": "https://x"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBotScopedToOwner(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9}
	mux := newTestMux(st, &fakeOrch{}, &fakeIntake{})

	assert.Equal(t, http.StatusOK, doJSON(t, mux, "GET", "/bots/5", "9", nil).Code)
	// Another user's bot reads as missing, not forbidden.
	assert.Equal(t, http.StatusNotFound, doJSON(t, mux, "GET", "/bots/5", "8", nil).Code)
}

func TestActiveBotCount(t *testing.T) {
	st := newFakeStore()
	st.bots[1] = &domain.Bot{ID: 1, UserID: 9, Status: domain.StatusInCall}
	st.bots[2] = &domain.Bot{ID: 2, UserID: 8, Status: domain.StatusDone}
	mux := newTestMux(st, &fakeOrch{}, &fakeIntake{})

	w := doJSON(t, mux, "GET", "/bots/active/count", "9", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["active"])
}

func TestUpdateBot(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9, DisplayName: "Meeboter"}
	mux := newTestMux(st, &fakeOrch{}, &fakeIntake{})

	w := doJSON(t, mux, "PATCH", "/bots/5", "9", map[string]any{"display_name": "Scribe"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Scribe", st.bots[5].DisplayName)
}

func TestDeleteBot(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9}
	mux := newTestMux(st, &fakeOrch{}, &fakeIntake{})

	assert.Equal(t, http.StatusNoContent, doJSON(t, mux, "DELETE", "/bots/5", "9", nil).Code)
	assert.Equal(t, []int64{5}, st.deleted)
}

func TestDeployBotChecksOwnership(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9}
	orch := &fakeOrch{result: &router.Result{Platform: "k8s", Identifier: "job-1"}}
	mux := newTestMux(st, orch, &fakeIntake{})

	assert.Equal(t, http.StatusNotFound, doJSON(t, mux, "POST", "/bots/5/deploy", "8", nil).Code)

	w := doJSON(t, mux, "POST", "/bots/5/deploy", "9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res router.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "k8s", res.Platform)
}

func TestCancelBot(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9}
	orch := &fakeOrch{}
	mux := newTestMux(st, orch, &fakeIntake{})

	assert.Equal(t, http.StatusNoContent, doJSON(t, mux, "POST", "/bots/5/cancel", "9", nil).Code)
	assert.Equal(t, []int64{5}, orch.cancelled)
}

func TestLeaveBot(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9}
	orch := &fakeOrch{}
	mux := newTestMux(st, orch, &fakeIntake{})

	assert.Equal(t, http.StatusAccepted, doJSON(t, mux, "POST", "/bots/5/leave", "9", nil).Code)
	assert.Equal(t, []int64{5}, orch.left)
}

func TestSetLogLevel(t *testing.T) {
	st := newFakeStore()
	st.bots[5] = &domain.Bot{ID: 5, UserID: 9}
	mux := newTestMux(st, &fakeOrch{}, &fakeIntake{})

	w := doJSON(t, mux, "PUT", "/bots/5/log-level", "9", map[string]any{"log_level": "DEBUG"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.LogDebug, st.logLevels[5])

	w = doJSON(t, mux, "PUT", "/bots/5/log-level", "9", map[string]any{"log_level": "LOUD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	in := &fakeIntake{heartbeatResp: &intake.HeartbeatResponse{
		ShouldLeave: true, Status: domain.StatusLeaving, LogLevel: domain.LogInfo,
	}}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "POST", "/internal/bots/5/heartbeat", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp intake.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.ShouldLeave)
}

func TestSubmitEventsStampsBotID(t *testing.T) {
	in := &fakeIntake{}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "POST", "/internal/bots/5/events", "", map[string]any{
		"events": []map[string]any{
			{"kind": "LOG", "bot_id": 999},
			{"kind": "PARTICIPANT_JOIN"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, in.submitted, 2)
	assert.Equal(t, int64(5), in.submitted[0].BotID)
	assert.Equal(t, int64(5), in.submitted[1].BotID)
}

func TestUpdateStatusEndpoint(t *testing.T) {
	in := &fakeIntake{}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "POST", "/internal/bots/5/status", "", map[string]any{"status": "IN_CALL"})
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, in.reports, 1)
	assert.Equal(t, domain.StatusInCall, in.reports[0].Status)
}

func TestUpdateStatusPreconditionFailed(t *testing.T) {
	in := &fakeIntake{statusErr: store.ErrPreconditionFailed}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "POST", "/internal/bots/5/status", "", map[string]any{"status": "DONE"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestAddScreenshotEndpoint(t *testing.T) {
	in := &fakeIntake{}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "POST", "/internal/bots/5/screenshots", "", map[string]any{"url": "s3://x/1.png"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, in.shots, 1)

	w = doJSON(t, mux, "POST", "/internal/bots/5/screenshots", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPoolSlotConfigEndpoint(t *testing.T) {
	in := &fakeIntake{config: &domain.BotConfig{ID: 7, DisplayName: "Meeboter"}}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "GET", "/internal/pool/app-1/config", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg domain.BotConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, int64(7), cfg.ID)
}

func TestPoolSlotConfigRetiredSlot(t *testing.T) {
	in := &fakeIntake{configErr: intake.ErrSlotRetired}
	mux := newTestMux(newFakeStore(), &fakeOrch{}, in)

	w := doJSON(t, mux, "GET", "/internal/pool/app-1/config", "", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}
