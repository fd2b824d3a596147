// Package pool manages the warm slot pool on the container PaaS backend.
// Each slot is one backend application named pool-<platform>-NNN; slots are
// created lazily up to a cap, reused across bot sessions, and handed out by
// a claim query so concurrent deployments never share a slot.
package pool

import (
	"context"
	"time"

	"github.com/meeboter/meeboter/internal/coolify"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/gate"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/queue"
	"github.com/meeboter/meeboter/internal/store"
)

const (
	DefaultMaxPoolSize = 100

	// How long the deploy observer waits for the container to come up
	// before the slot goes to ERROR.
	DefaultObserveTimeout = 10 * time.Minute
	defaultObservePoll    = 10 * time.Second

	// Start calls are skipped when the backend already queued a deployment
	// for the slot inside this window.
	defaultRecentDeployWindow = 2 * time.Minute
)

// SlotStore is the persistence surface the pool manager needs.
type SlotStore interface {
	AcquireIdleSlot(ctx context.Context, platform string, botID int64) (*store.PoolSlot, error)
	CountSlots(ctx context.Context) (int, error)
	ReserveNewSlot(ctx context.Context, platform string, botID int64) (*store.PoolSlot, error)
	SetSlotApplicationUUID(ctx context.Context, slotID int64, appUUID string) error
	DeleteSlot(ctx context.Context, slotID int64) error
	MarkSlotHealthy(ctx context.Context, slotID int64) error
	MarkSlotError(ctx context.Context, slotID int64, msg string) error
	ReleaseSlot(ctx context.Context, slotID int64) error
	GetSlotByBot(ctx context.Context, botID int64) (*store.PoolSlot, error)
	SlotStats(ctx context.Context) (*store.PoolStats, error)

	AddPoolQueueEntry(ctx context.Context, botID int64, priority int, timeoutAt time.Time) (int, error)
	PoolQueuePosition(ctx context.Context, botID int64) (int, error)
	PoolQueueHead(ctx context.Context) (*store.PoolQueueEntry, error)
	RemovePoolQueueEntry(ctx context.Context, botID int64) error
	ExpirePoolQueue(ctx context.Context) ([]int64, error)
	PoolQueueStats(ctx context.Context) (*store.QueueStats, error)

	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	MarkBotFatal(ctx context.Context, botID int64, reason string) (bool, error)
}

// Backend is the container PaaS surface the pool manager drives. The coolify
// client satisfies it; tests use a mock.
type Backend interface {
	CreateApplication(ctx context.Context, req coolify.CreateApplicationRequest) (string, error)
	SetEnv(ctx context.Context, appUUID string, env map[string]string) error
	StartApplication(ctx context.Context, appUUID string) error
	StopApplication(ctx context.Context, appUUID string) error
	DeleteApplication(ctx context.Context, appUUID string) error
	UpdateDescription(ctx context.Context, appUUID, description string) error
	IsRunning(ctx context.Context, appUUID string) (bool, error)
	RecentDeployment(ctx context.Context, appUUID string, window time.Duration) (bool, error)
}

// Config tunes the pool manager.
type Config struct {
	MaxPoolSize int

	// Image and ImageTag identify the bot container image slots run.
	Image    string
	ImageTag string

	// CallbackURL is the control plane base URL injected into slot
	// containers so bots can fetch config and post heartbeats.
	CallbackURL string

	ObserveTimeout     time.Duration
	ObservePoll        time.Duration
	RecentDeployWindow time.Duration
}

func (c *Config) defaults() {
	if c.MaxPoolSize <= 0 || c.MaxPoolSize > DefaultMaxPoolSize {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = DefaultObserveTimeout
	}
	if c.ObservePoll <= 0 {
		c.ObservePoll = defaultObservePoll
	}
	if c.RecentDeployWindow <= 0 {
		c.RecentDeployWindow = defaultRecentDeployWindow
	}
}

// Manager owns slot acquisition, slot lifecycle, and the pool-local queue.
type Manager struct {
	cfg      Config
	store    SlotStore
	backend  Backend
	gate     *gate.Gate
	locks    *gate.ImageLocks
	notifier queue.Notifier
	metrics  *metrics.Metrics
}

// NewManager builds a pool manager. Every deployment, including queue-worker
// placements, runs through the gate and the image pull locks.
func NewManager(cfg Config, st SlotStore, backend Backend, g *gate.Gate, locks *gate.ImageLocks, notifier queue.Notifier, m *metrics.Metrics) *Manager {
	cfg.defaults()
	if g == nil {
		g = gate.New(0, 0, m)
	}
	if locks == nil {
		locks = gate.NewImageLocks()
	}
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		backend:  backend,
		gate:     g,
		locks:    locks,
		notifier: notifier,
		metrics:  m,
	}
}

// MaxPoolSize reports the configured slot cap.
func (m *Manager) MaxPoolSize() int { return m.cfg.MaxPoolSize }
