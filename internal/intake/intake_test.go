package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	bots       map[int64]*domain.Bot
	slots      map[string]*store.PoolSlot
	heartbeats map[int64]time.Time
	events     []domain.Event
	shots      map[int64][]domain.Screenshot
	insertErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:       make(map[int64]*domain.Bot),
		slots:      make(map[string]*store.PoolSlot),
		heartbeats: make(map[int64]time.Time),
		shots:      make(map[int64][]domain.Screenshot),
	}
}

func (f *fakeStore) GetBot(_ context.Context, id int64) (*domain.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, store.ErrBotNotFound
	}
	c := *b
	return &c, nil
}

func (f *fakeStore) GetHeartbeatView(_ context.Context, botID int64) (*store.HeartbeatView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return nil, store.ErrBotNotFound
	}
	return &store.HeartbeatView{Status: b.Status, LogLevel: b.LogLevel}, nil
}

func (f *fakeStore) TouchHeartbeat(_ context.Context, botID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[botID] = at
	return nil
}

func (f *fakeStore) InsertEvents(_ context.Context, events []domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeStore) CompleteStatusUpdate(_ context.Context, botID int64, status domain.BotStatus, recordingURL string, timeline json.RawMessage) (*store.StatusUpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return nil, store.ErrBotNotFound
	}
	res := &store.StatusUpdateResult{
		PreviousStatus:     b.Status,
		WebhookURL:         b.WebhookURL,
		DeploymentPlatform: b.DeploymentPlatform,
		PlatformIdentifier: b.PlatformIdentifier,
	}
	if b.Status.Terminal() {
		res.AlreadyTerminal = true
		return res, nil
	}
	b.Status = status
	if recordingURL != "" {
		b.RecordingURL = recordingURL
	}
	if timeline != nil {
		b.SpeakerTimeline = timeline
	}
	return res, nil
}

func (f *fakeStore) AddScreenshot(_ context.Context, botID int64, shot domain.Screenshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bots[botID]; !ok {
		return store.ErrBotNotFound
	}
	f.shots[botID] = append(f.shots[botID], shot)
	return nil
}

func (f *fakeStore) GetSlotByApplicationUUID(_ context.Context, appUUID string) (*store.PoolSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[appUUID]
	if !ok {
		return nil, store.ErrSlotNotFound
	}
	c := *s
	return &c, nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []int64
}

func (f *fakeReleaser) Release(_ context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, botID)
	return nil
}

func (f *fakeReleaser) ids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.released...)
}

// syncSpawner runs tasks inline so tests observe side effects immediately.
type syncSpawner struct{ names []string }

func (s *syncSpawner) Go(name string, fn func(ctx context.Context)) {
	s.names = append(s.names, name)
	fn(context.Background())
}

func newTestService(st *fakeStore, r *fakeReleaser) *Service {
	return New(st, r, &syncSpawner{}, metrics.New(prometheus.NewRegistry()))
}

func seedBot(st *fakeStore, id int64, status domain.BotStatus) *domain.Bot {
	b := &domain.Bot{
		ID:     id,
		Status: status,
		Meeting: domain.Meeting{
			Platform: domain.MeetingMeet,
			URL:      "https://meet.example.com/abc",
		},
		DisplayName:         "Meeboter",
		HeartbeatIntervalMS: 10_000,
		LogLevel:            domain.LogInfo,
	}
	st.bots[id] = b
	return b
}

func TestHeartbeatReturnsControlFlags(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 1, domain.StatusInCall)
	s := newTestService(st, &fakeReleaser{})

	resp, err := s.Heartbeat(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, resp.ShouldLeave)
	assert.Equal(t, domain.StatusInCall, resp.Status)
	assert.Equal(t, domain.LogInfo, resp.LogLevel)
	assert.False(t, st.heartbeats[1].IsZero())
}

func TestHeartbeatSignalsLeave(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 1, domain.StatusLeaving)
	s := newTestService(st, &fakeReleaser{})

	resp, err := s.Heartbeat(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, resp.ShouldLeave)
}

func TestHeartbeatUnknownBot(t *testing.T) {
	s := newTestService(newFakeStore(), &fakeReleaser{})
	_, err := s.Heartbeat(context.Background(), 404)
	require.ErrorIs(t, err, store.ErrBotNotFound)
}

func TestEventBatchFlushesOnSize(t *testing.T) {
	st := newFakeStore()
	s := newTestService(st, &fakeReleaser{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunBatcher(ctx)

	events := make([]domain.Event, batchSize)
	for i := range events {
		events[i] = domain.Event{BotID: 1, Kind: domain.EventLog}
	}
	s.Submit(events)

	require.Eventually(t, func() bool {
		return st.eventCount() == batchSize
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventBatchFlushesOnTimer(t *testing.T) {
	st := newFakeStore()
	s := newTestService(st, &fakeReleaser{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunBatcher(ctx)

	s.Submit([]domain.Event{{BotID: 1, Kind: domain.EventParticipantJoin}})

	require.Eventually(t, func() bool {
		return st.eventCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventBatchDrainsOnShutdown(t *testing.T) {
	st := newFakeStore()
	s := newTestService(st, &fakeReleaser{})

	s.Submit([]domain.Event{
		{BotID: 1, Kind: domain.EventLog},
		{BotID: 1, Kind: domain.EventLog},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunBatcher(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 2, st.eventCount())
}

func TestSubmitFillsEventTime(t *testing.T) {
	st := newFakeStore()
	s := newTestService(st, &fakeReleaser{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunBatcher(ctx)

	s.Submit([]domain.Event{{BotID: 1, Kind: domain.EventLog}})
	require.Eventually(t, func() bool { return st.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.False(t, st.events[0].EventTime.IsZero())
}

func TestUpdateStatusNonTerminal(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 1, domain.StatusJoiningCall)
	rel := &fakeReleaser{}
	s := newTestService(st, rel)

	err := s.UpdateStatus(context.Background(), 1, StatusReport{Status: domain.StatusInCall})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInCall, st.bots[1].Status)
	assert.Empty(t, rel.ids())
}

func TestUpdateStatusTerminalReleasesAndNotifies(t *testing.T) {
	var hookMu sync.Mutex
	var hookBody map[string]any
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hookMu.Lock()
		defer hookMu.Unlock()
		json.NewDecoder(r.Body).Decode(&hookBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	st := newFakeStore()
	b := seedBot(st, 1, domain.StatusInCall)
	b.WebhookURL = hook.URL
	b.DeploymentPlatform = "k8s"
	b.PlatformIdentifier = "job-1"
	rel := &fakeReleaser{}
	s := newTestService(st, rel)

	err := s.UpdateStatus(context.Background(), 1, StatusReport{Status: domain.StatusDone})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDone, st.bots[1].Status)
	assert.Equal(t, []int64{1}, rel.ids())

	hookMu.Lock()
	defer hookMu.Unlock()
	require.NotNil(t, hookBody)
	assert.Equal(t, float64(1), hookBody["botId"])
	assert.Equal(t, "DONE", hookBody["status"])
}

func TestUpdateStatusAlreadyTerminalIsIdempotent(t *testing.T) {
	st := newFakeStore()
	b := seedBot(st, 1, domain.StatusDone)
	b.DeploymentPlatform = "k8s"
	b.PlatformIdentifier = "job-1"
	rel := &fakeReleaser{}
	s := newTestService(st, rel)

	err := s.UpdateStatus(context.Background(), 1, StatusReport{Status: domain.StatusFatal})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, st.bots[1].Status)
	assert.Empty(t, rel.ids())
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 1, domain.StatusInCall)
	s := newTestService(st, &fakeReleaser{})

	err := s.UpdateStatus(context.Background(), 1, StatusReport{Status: "SOMETHING_ELSE"})
	require.Error(t, err)
}

func TestUpdateStatusRecordsRecording(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 1, domain.StatusLeaving)
	s := newTestService(st, &fakeReleaser{})

	err := s.UpdateStatus(context.Background(), 1, StatusReport{
		Status:       domain.StatusDone,
		RecordingURL: "https://cdn.example.com/rec.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/rec.mp4", st.bots[1].RecordingURL)
}

func TestUpdateStatusDoneRequiresRecording(t *testing.T) {
	st := newFakeStore()
	b := seedBot(st, 1, domain.StatusLeaving)
	b.RecordingEnabled = true
	s := newTestService(st, &fakeReleaser{})

	err := s.UpdateStatus(context.Background(), 1, StatusReport{Status: domain.StatusDone})
	require.Error(t, err)
	assert.Equal(t, domain.StatusLeaving, st.bots[1].Status)
}

func TestAddScreenshotFillsTimestamp(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 1, domain.StatusInCall)
	s := newTestService(st, &fakeReleaser{})

	require.NoError(t, s.AddScreenshot(context.Background(), 1, domain.Screenshot{URL: "s3://x/1.png"}))
	require.Len(t, st.shots[1], 1)
	assert.False(t, st.shots[1][0].CapturedAt.IsZero())
}

func TestPoolSlotConfig(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 7, domain.StatusDeploying)
	botID := int64(7)
	st.slots["app-1"] = &store.PoolSlot{
		SlotName:        "pool-coolify-001",
		ApplicationUUID: "app-1",
		AssignedBotID:   &botID,
	}
	s := newTestService(st, &fakeReleaser{})

	cfg, err := s.PoolSlotConfig(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ID)
	assert.Equal(t, "Meeboter", cfg.DisplayName)
}

func TestPoolSlotConfigUnassignedSlot(t *testing.T) {
	st := newFakeStore()
	st.slots["app-1"] = &store.PoolSlot{SlotName: "pool-coolify-001", ApplicationUUID: "app-1"}
	s := newTestService(st, &fakeReleaser{})

	_, err := s.PoolSlotConfig(context.Background(), "app-1")
	require.ErrorIs(t, err, ErrSlotRetired)
}

func TestPoolSlotConfigTerminalBot(t *testing.T) {
	st := newFakeStore()
	seedBot(st, 7, domain.StatusDone)
	botID := int64(7)
	st.slots["app-1"] = &store.PoolSlot{ApplicationUUID: "app-1", AssignedBotID: &botID}
	s := newTestService(st, &fakeReleaser{})

	_, err := s.PoolSlotConfig(context.Background(), "app-1")
	require.ErrorIs(t, err, ErrSlotRetired)
}

func TestPoolSlotConfigUnknownUUID(t *testing.T) {
	s := newTestService(newFakeStore(), &fakeReleaser{})
	_, err := s.PoolSlotConfig(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrSlotNotFound)
}
