package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/queue"
	"github.com/meeboter/meeboter/internal/store"
)

// fakeAdapter is a scriptable platform.
type fakeAdapter struct {
	name      string
	deployErr error
	queued    bool
	deploys   int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Deploy(_ context.Context, bot *domain.Bot) (*platform.DeployResult, error) {
	f.deploys++
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	if f.queued {
		return &platform.DeployResult{Queued: true, QueuePosition: 1, EstimatedWaitMS: 30_000}, nil
	}
	return &platform.DeployResult{Identifier: fmt.Sprintf("%s-bot-%d", f.name, bot.ID)}, nil
}

func (f *fakeAdapter) Stop(context.Context, string) error { return nil }
func (f *fakeAdapter) Status(context.Context, string) (platform.State, error) {
	return platform.StateRunning, nil
}
func (f *fakeAdapter) Release(context.Context, int64) error { return nil }
func (f *fakeAdapter) ProcessQueue(context.Context) error   { return nil }

// fakeStore is an in-memory router Store.
type fakeStore struct {
	mu         sync.Mutex
	bots       map[int64]*domain.Bot
	active     map[string]int
	placements map[int64]string
	queuedBots map[int64]bool
	fatals     map[int64]string

	nextEntry int64
	entries   []*store.GlobalQueueEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:       make(map[int64]*domain.Bot),
		active:     make(map[string]int),
		placements: make(map[int64]string),
		queuedBots: make(map[int64]bool),
		fatals:     make(map[int64]string),
	}
}

func (f *fakeStore) addBot(id int64) *domain.Bot {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &domain.Bot{ID: id, Status: domain.StatusReadyToDeploy,
		Meeting: domain.Meeting{Platform: domain.MeetingMeet}}
	f.bots[id] = b
	return b
}

func (f *fakeStore) GetBot(_ context.Context, id int64) (*domain.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, store.ErrBotNotFound
	}
	return b, nil
}

func (f *fakeStore) ActiveBotCount(_ context.Context, p string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[p], nil
}

func (f *fakeStore) SetPlacement(_ context.Context, botID int64, p, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placements[botID] = p + "/" + id
	if b, ok := f.bots[botID]; ok {
		b.DeploymentPlatform = p
		b.PlatformIdentifier = id
	}
	return nil
}

func (f *fakeStore) SetBotQueued(_ context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedBots[botID] = true
	if b, ok := f.bots[botID]; ok {
		b.Status = domain.StatusQueued
	}
	return nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, botID int64, from []domain.BotStatus, to domain.BotStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return false, store.ErrBotNotFound
	}
	for _, s := range from {
		if b.Status == s {
			b.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) MarkBotFatal(_ context.Context, botID int64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatals[botID] = reason
	if b, ok := f.bots[botID]; ok {
		b.Status = domain.StatusFatal
	}
	return true, nil
}

func (f *fakeStore) EnqueueGlobal(_ context.Context, botID int64, priority int, timeoutAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.BotID == botID {
			return i + 1, nil
		}
	}
	f.nextEntry++
	f.entries = append(f.entries, &store.GlobalQueueEntry{
		ID: f.nextEntry, BotID: botID, Priority: priority,
		Status: store.QueueWaiting, QueuedAt: time.Now(), TimeoutAt: timeoutAt,
	})
	return len(f.entries), nil
}

func (f *fakeStore) GlobalQueuePosition(_ context.Context, botID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := 0
	for _, e := range f.entries {
		if e.Status != store.QueueWaiting {
			continue
		}
		pos++
		if e.BotID == botID {
			return pos, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) ExpireGlobalQueue(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, e := range f.entries {
		if e.Status == store.QueueWaiting && e.TimeoutAt.Before(time.Now()) {
			e.Status = store.QueueExpired
			ids = append(ids, e.BotID)
		}
	}
	return ids, nil
}

func (f *fakeStore) ClaimGlobalHead(context.Context) (*store.GlobalQueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Status == store.QueueWaiting {
			e.Status = store.QueueProcessing
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeleteGlobalEntry(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) RemoveGlobalEntryByBot(_ context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.BotID == botID {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) RequeueGlobalEntry(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			e.Status = store.QueueWaiting
			return nil
		}
	}
	return nil
}

func (f *fakeStore) GlobalQueueStats(context.Context) (*store.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.QueueStats{Length: len(f.entries)}, nil
}

func newTestRouter(t *testing.T, st Store, adapters []platform.Adapter, limits map[string]PlatformLimit) *Router {
	t.Helper()
	r, err := New(st, adapters, limits, queue.NewChannelNotifier(),
		metrics.New(prometheus.NewRegistry()), time.Minute)
	require.NoError(t, err)
	return r
}

func TestNewRequiresAdapters(t *testing.T) {
	_, err := New(newFakeStore(), nil, nil, nil, metrics.New(prometheus.NewRegistry()), 0)
	require.ErrorIs(t, err, ErrNoPlatforms)
}

func TestPlaceUsesPriorityOrder(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	first := &fakeAdapter{name: "k8s"}
	second := &fakeAdapter{name: "coolify"}
	r := newTestRouter(t, st, []platform.Adapter{first, second}, nil)

	res, err := r.Place(context.Background(), bot, true)
	require.NoError(t, err)
	assert.Equal(t, "k8s", res.Platform)
	assert.Equal(t, "k8s-bot-1", res.Identifier)
	assert.Zero(t, second.deploys, "lower priority platform must not be tried")
	assert.Equal(t, "k8s/k8s-bot-1", st.placements[1])
}

func TestPlaceSkipsPlatformAtLimit(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	st.active["k8s"] = 5
	first := &fakeAdapter{name: "k8s"}
	second := &fakeAdapter{name: "coolify"}
	r := newTestRouter(t, st, []platform.Adapter{first, second},
		map[string]PlatformLimit{"k8s": {BotLimit: 5}})

	res, err := r.Place(context.Background(), bot, true)
	require.NoError(t, err)
	assert.Equal(t, "coolify", res.Platform)
	assert.Zero(t, first.deploys, "platform at limit must be skipped without a deploy call")
}

func TestPlaceFallsThroughOnRefusal(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	first := &fakeAdapter{name: "k8s", deployErr: fmt.Errorf("%w: over quota", platform.ErrRefused)}
	second := &fakeAdapter{name: "coolify"}
	r := newTestRouter(t, st, []platform.Adapter{first, second}, nil)

	res, err := r.Place(context.Background(), bot, true)
	require.NoError(t, err)
	assert.Equal(t, "coolify", res.Platform)
	assert.Equal(t, 1, first.deploys)
}

func TestPlaceFallsThroughOnHardError(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	first := &fakeAdapter{name: "aws", deployErr: errors.New("api throttled")}
	second := &fakeAdapter{name: "coolify"}
	r := newTestRouter(t, st, []platform.Adapter{first, second}, nil)

	res, err := r.Place(context.Background(), bot, true)
	require.NoError(t, err)
	assert.Equal(t, "coolify", res.Platform)
}

func TestPlaceQueuesGloballyWhenAllFull(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	only := &fakeAdapter{name: "k8s", deployErr: fmt.Errorf("%w: full", platform.ErrRefused)}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	res, err := r.Place(context.Background(), bot, true)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, res.QueuePosition)
	assert.Equal(t, int64(30_000), res.EstimatedWaitMS)
	assert.True(t, st.queuedBots[1])
	assert.Equal(t, domain.StatusQueued, st.bots[1].Status)
}

func TestPlaceNoEnqueueReturnsRefused(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	only := &fakeAdapter{name: "k8s", deployErr: fmt.Errorf("%w: full", platform.ErrRefused)}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	_, err := r.Place(context.Background(), bot, false)
	require.ErrorIs(t, err, platform.ErrRefused)
	assert.Empty(t, st.entries)
}

func TestPlaceAdapterLocalQueue(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	only := &fakeAdapter{name: "coolify", queued: true}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	res, err := r.Place(context.Background(), bot, true)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, "coolify", res.Platform)
	assert.Empty(t, st.entries, "adapter-local queueing must not also enqueue globally")
}

func TestPumpExpiresOverdueEntries(t *testing.T) {
	st := newFakeStore()
	st.addBot(1)
	st.entries = append(st.entries, &store.GlobalQueueEntry{
		ID: 1, BotID: 1, Status: store.QueueWaiting,
		TimeoutAt: time.Now().Add(-time.Minute),
	})
	only := &fakeAdapter{name: "k8s"}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	r.PumpOnce(context.Background())

	assert.Contains(t, st.fatals[1], "queue timeout")
	assert.Empty(t, st.entries)
	assert.Zero(t, only.deploys)
}

func TestPumpPlacesWaitingEntries(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	bot.Status = domain.StatusQueued
	st.entries = append(st.entries, &store.GlobalQueueEntry{
		ID: 1, BotID: 1, Status: store.QueueWaiting,
		TimeoutAt: time.Now().Add(time.Minute),
	})
	only := &fakeAdapter{name: "k8s"}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	r.PumpOnce(context.Background())

	assert.Equal(t, 1, only.deploys)
	assert.Empty(t, st.entries, "placed entry must be removed")
	assert.Equal(t, "k8s/k8s-bot-1", st.placements[1])
}

func TestPumpRequeuesOnNoCapacity(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	bot.Status = domain.StatusQueued
	st.entries = append(st.entries, &store.GlobalQueueEntry{
		ID: 1, BotID: 1, Status: store.QueueWaiting,
		TimeoutAt: time.Now().Add(time.Minute),
	})
	only := &fakeAdapter{name: "k8s", deployErr: fmt.Errorf("%w: still full", platform.ErrRefused)}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	r.PumpOnce(context.Background())

	require.Len(t, st.entries, 1)
	assert.Equal(t, store.QueueWaiting, st.entries[0].Status, "entry must return to WAITING")
	assert.Equal(t, domain.StatusQueued, st.bots[1].Status)
}

func TestPumpDropsTerminalBots(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	bot.Status = domain.StatusDone
	st.entries = append(st.entries, &store.GlobalQueueEntry{
		ID: 1, BotID: 1, Status: store.QueueWaiting,
		TimeoutAt: time.Now().Add(time.Minute),
	})
	only := &fakeAdapter{name: "k8s"}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	r.PumpOnce(context.Background())

	assert.Empty(t, st.entries)
	assert.Zero(t, only.deploys)
}

func TestPumpFailsBotOnHardPlacementError(t *testing.T) {
	st := newFakeStore()
	bot := st.addBot(1)
	bot.Status = domain.StatusQueued
	st.entries = append(st.entries, &store.GlobalQueueEntry{
		ID: 1, BotID: 1, Status: store.QueueWaiting,
		TimeoutAt: time.Now().Add(time.Minute),
	})
	// SetPlacement never fails in the fake, so force a hard error through
	// an adapter that succeeds with an empty identifier and no fallback.
	only := &fakeAdapter{name: "k8s", deployErr: errors.New("boom")}
	r := newTestRouter(t, st, []platform.Adapter{only}, nil)

	r.PumpOnce(context.Background())

	// A hard error on the only platform reads as no capacity from Place,
	// which wraps ErrRefused; the entry stays queued.
	require.Len(t, st.entries, 1)
	assert.Equal(t, store.QueueWaiting, st.entries[0].Status)
}
