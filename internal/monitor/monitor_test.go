package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeboter/meeboter/internal/coolify"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	timeouts    []store.HeartbeatTimeout
	recoverable []*store.PoolSlot
	slots       []*store.PoolSlot
	heartbeats  map[int64]*time.Time
	bots        map[int64]*domain.Bot

	fatals    map[int64]string
	healthy   []int64
	released  []int64
	deleted   []int64
	attempts  map[int64]int
	stopErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		heartbeats: make(map[int64]*time.Time),
		bots:       make(map[int64]*domain.Bot),
		fatals:     make(map[int64]string),
		attempts:   make(map[int64]int),
	}
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

func (f *fakeStore) ListHeartbeatTimeouts(context.Context, time.Duration, time.Duration) ([]store.HeartbeatTimeout, error) {
	return f.timeouts, nil
}

func (f *fakeStore) MarkBotFatal(_ context.Context, botID int64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.fatals[botID]; done {
		return false, nil
	}
	f.fatals[botID] = reason
	return true, nil
}

func (f *fakeStore) ListRecoverableSlots(context.Context, time.Duration) ([]*store.PoolSlot, error) {
	return f.recoverable, nil
}

func (f *fakeStore) AssignedBotHeartbeat(_ context.Context, slot *store.PoolSlot) (*time.Time, error) {
	if slot.AssignedBotID == nil {
		return nil, nil
	}
	return f.heartbeats[*slot.AssignedBotID], nil
}

func (f *fakeStore) MarkSlotHealthy(_ context.Context, slotID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = append(f.healthy, slotID)
	return nil
}

func (f *fakeStore) ReleaseSlot(_ context.Context, slotID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, slotID)
	return nil
}

func (f *fakeStore) DeleteSlot(_ context.Context, slotID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, slotID)
	return nil
}

func (f *fakeStore) IncrementSlotRecoveryAttempts(_ context.Context, slotID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[slotID]++
	return f.attempts[slotID], nil
}

func (f *fakeStore) ListSlots(context.Context) ([]*store.PoolSlot, error) {
	return f.slots, nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []int64
	err      error
}

func (f *fakeReleaser) Release(_ context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, botID)
	return f.err
}

type fakeBackend struct {
	mu      sync.Mutex
	apps    []coolify.Application
	stopped []string
	deleted []string
	stopErr error
	listErr error
}

func (f *fakeBackend) StopApplication(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, uuid)
	return nil
}

func (f *fakeBackend) DeleteApplication(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, uuid)
	return nil
}

func (f *fakeBackend) ListApplications(context.Context) ([]coolify.Application, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.apps, nil
}

func newTestMonitor(st *fakeStore, rel *fakeReleaser) *Monitor {
	return New(Config{}, st, rel, NoopLeader{}, metrics.New(prometheus.NewRegistry()))
}

func timedOut(id int64, status domain.BotStatus, mode store.HeartbeatTimeoutMode) store.HeartbeatTimeout {
	return store.HeartbeatTimeout{
		Bot:  &domain.Bot{ID: id, Status: status, DeploymentPlatform: "k8s"},
		Mode: mode,
	}
}

func TestSweepHeartbeatsReapsAndReleases(t *testing.T) {
	st := newFakeStore()
	st.timeouts = []store.HeartbeatTimeout{
		timedOut(1, domain.StatusInCall, store.TimeoutStaleHeartbeat),
		timedOut(2, domain.StatusDeploying, store.TimeoutDeployNoContact),
	}
	rel := &fakeReleaser{}
	m := newTestMonitor(st, rel)

	require.NoError(t, m.SweepHeartbeats(context.Background()))

	assert.Contains(t, st.fatals[1], "no heartbeat for 10+ minutes")
	assert.Contains(t, st.fatals[2], "never reported after deployment")
	assert.ElementsMatch(t, []int64{1, 2}, rel.released)
}

func TestSweepHeartbeatsSkipsAlreadyTerminal(t *testing.T) {
	st := newFakeStore()
	st.fatals[1] = "already done"
	st.timeouts = []store.HeartbeatTimeout{
		timedOut(1, domain.StatusInCall, store.TimeoutStaleHeartbeat),
	}
	rel := &fakeReleaser{}
	m := newTestMonitor(st, rel)

	require.NoError(t, m.SweepHeartbeats(context.Background()))
	assert.Empty(t, rel.released)
}

func TestSweepHeartbeatsContinuesPastReleaseFailure(t *testing.T) {
	st := newFakeStore()
	st.timeouts = []store.HeartbeatTimeout{
		timedOut(1, domain.StatusInCall, store.TimeoutStaleHeartbeat),
		timedOut(2, domain.StatusInCall, store.TimeoutStaleHeartbeat),
	}
	rel := &fakeReleaser{err: errors.New("platform down")}
	m := newTestMonitor(st, rel)

	require.NoError(t, m.SweepHeartbeats(context.Background()))
	assert.Len(t, st.fatals, 2)
	assert.Len(t, rel.released, 2)
}

func errorSlot(id int64, appUUID string, attempts int, botID *int64) *store.PoolSlot {
	return &store.PoolSlot{
		ID:               id,
		SlotName:         "pool-coolify-001",
		Status:           store.SlotError,
		ApplicationUUID:  appUUID,
		RecoveryAttempts: attempts,
		AssignedBotID:    botID,
		ErrorMessage:     "deployment observe timeout",
	}
}

func TestRecoveryForcesHealthyOnFreshHeartbeat(t *testing.T) {
	st := newFakeStore()
	botID := int64(7)
	now := time.Now()
	st.heartbeats[botID] = &now
	st.recoverable = []*store.PoolSlot{errorSlot(1, "app-1", 0, &botID)}
	b := &fakeBackend{}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, []int64{1}, st.healthy)
	assert.Empty(t, b.stopped)
	assert.Empty(t, st.fatals)
}

func TestRecoveryHeartbeatWithinReapWindowCounts(t *testing.T) {
	st := newFakeStore()
	botID := int64(7)
	hb := time.Now().Add(-3 * time.Minute)
	st.heartbeats[botID] = &hb
	st.recoverable = []*store.PoolSlot{errorSlot(1, "app-1", 0, &botID)}
	b := &fakeBackend{}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, []int64{1}, st.healthy,
		"a heartbeat younger than the reap window is proof of life")
	assert.Empty(t, st.fatals)
}

func TestRecoverySparesBotPlacedElsewhere(t *testing.T) {
	st := newFakeStore()
	botID := int64(7)
	st.bots[botID] = &domain.Bot{
		ID:                 botID,
		Status:             domain.StatusInCall,
		DeploymentPlatform: "k8s",
		PlatformIdentifier: "meetbot-7-12345",
	}
	st.recoverable = []*store.PoolSlot{errorSlot(1, "app-1", 0, &botID)}
	b := &fakeBackend{}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Empty(t, st.fatals, "a bot running on another platform must not be failed with its old slot")
	assert.Equal(t, []int64{1}, st.released, "the broken slot still returns to the pool")
}

func TestRecoveryStopsAndReleasesSlot(t *testing.T) {
	st := newFakeStore()
	botID := int64(7)
	st.recoverable = []*store.PoolSlot{errorSlot(1, "app-1", 0, &botID)}
	b := &fakeBackend{}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, []string{"app-1"}, b.stopped)
	assert.Equal(t, []int64{1}, st.released)
	assert.Contains(t, st.fatals[botID], "pool slot failed")
}

func TestRecoveryIncrementsAttemptsOnStopFailure(t *testing.T) {
	st := newFakeStore()
	st.recoverable = []*store.PoolSlot{errorSlot(1, "app-1", 1, nil)}
	b := &fakeBackend{stopErr: errors.New("backend unreachable")}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, 1, st.attempts[1])
	assert.Empty(t, st.released)
	assert.Empty(t, st.deleted)
}

func TestRecoveryRetiresSlotAfterMaxAttempts(t *testing.T) {
	st := newFakeStore()
	botID := int64(7)
	st.recoverable = []*store.PoolSlot{
		errorSlot(1, "app-1", store.MaxSlotRecoveryAttempts, &botID),
	}
	b := &fakeBackend{}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, []string{"app-1"}, b.deleted)
	assert.Equal(t, []int64{1}, st.deleted)
	assert.Contains(t, st.fatals[botID], "pool slot failed")
}

func TestRecoverySkipsBackendForPendingUUID(t *testing.T) {
	st := newFakeStore()
	st.recoverable = []*store.PoolSlot{errorSlot(1, "pending-abc", 0, nil)}
	b := &fakeBackend{}
	r := NewSlotRecovery(newTestMonitor(st, &fakeReleaser{}), b)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Empty(t, b.stopped)
	assert.Equal(t, []int64{1}, st.released)
}

func TestReconcileDeletesOrphanedApps(t *testing.T) {
	st := newFakeStore()
	st.slots = []*store.PoolSlot{
		{ID: 1, SlotName: "pool-coolify-001", ApplicationUUID: "app-1"},
	}
	b := &fakeBackend{apps: []coolify.Application{
		{UUID: "app-1", Name: "pool-coolify-001"},
		{UUID: "app-9", Name: "pool-coolify-009"},
		{UUID: "other", Name: "unrelated-service"},
	}}
	r := NewReconciler(newTestMonitor(st, &fakeReleaser{}), b)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedApps)
	assert.Equal(t, []string{"app-9"}, b.deleted)
}

func TestReconcileDeletesSlotsForVanishedApps(t *testing.T) {
	st := newFakeStore()
	botID := int64(3)
	st.slots = []*store.PoolSlot{
		{ID: 1, SlotName: "pool-coolify-001", ApplicationUUID: "app-1"},
		{ID: 2, SlotName: "pool-coolify-002", ApplicationUUID: "gone", AssignedBotID: &botID},
		{ID: 3, SlotName: "pool-coolify-003", ApplicationUUID: "pending-xyz"},
	}
	b := &fakeBackend{apps: []coolify.Application{
		{UUID: "app-1", Name: "pool-coolify-001"},
	}}
	r := NewReconciler(newTestMonitor(st, &fakeReleaser{}), b)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedSlots)
	assert.Equal(t, []int64{2}, st.deleted)
	assert.Contains(t, st.fatals[botID], "application disappeared")
}

func TestReconcileBackendErrorAborts(t *testing.T) {
	b := &fakeBackend{listErr: errors.New("api down")}
	r := NewReconciler(newTestMonitor(newFakeStore(), &fakeReleaser{}), b)

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)
}
