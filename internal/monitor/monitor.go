// Package monitor runs the periodic liveness sweeps: reaping bots whose
// containers stopped calling home, recovering broken pool slots, and
// reconciling backend applications against slot rows. Sweeps are replica-safe
// either through a leader lock or through row-level claims in the store.
package monitor

import (
	"context"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/store"
)

// Store is the persistence surface shared by the monitors.
type Store interface {
	ListHeartbeatTimeouts(ctx context.Context, staleAfter, createdGrace time.Duration) ([]store.HeartbeatTimeout, error)
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	MarkBotFatal(ctx context.Context, botID int64, reason string) (bool, error)

	ListRecoverableSlots(ctx context.Context, deployingStale time.Duration) ([]*store.PoolSlot, error)
	AssignedBotHeartbeat(ctx context.Context, slot *store.PoolSlot) (*time.Time, error)
	MarkSlotHealthy(ctx context.Context, slotID int64) error
	ReleaseSlot(ctx context.Context, slotID int64) error
	DeleteSlot(ctx context.Context, slotID int64) error
	IncrementSlotRecoveryAttempts(ctx context.Context, slotID int64) (int, error)
	ListSlots(ctx context.Context) ([]*store.PoolSlot, error)
}

// Releaser tears down platform resources for a reaped bot.
type Releaser interface {
	Release(ctx context.Context, botID int64) error
}

// Config holds the sweep intervals.
type Config struct {
	HeartbeatInterval    time.Duration
	SlotRecoveryInterval time.Duration
	OrphanInterval       time.Duration
}

// Liveness thresholds. A bot is reaped after ten minutes of silence once it
// has reported at least one heartbeat; a deploying bot that never reported
// gets a longer grace because image pulls can be slow. Slot recovery treats
// any heartbeat inside the reap window as proof of life.
const (
	heartbeatStaleAfter = 10 * time.Minute
	deployCreatedGrace  = 30 * time.Minute
	slotDeployingStale  = 15 * time.Minute
	slotHeartbeatFresh  = 5 * time.Minute
)

// Monitor drives the periodic sweeps.
type Monitor struct {
	cfg      Config
	store    Store
	releaser Releaser
	leader   Leader
	metrics  *metrics.Metrics
}

// New builds a monitor. leader may be a NoopLeader when running single
// replica.
func New(cfg Config, st Store, releaser Releaser, leader Leader, m *metrics.Metrics) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.SlotRecoveryInterval <= 0 {
		cfg.SlotRecoveryInterval = 5 * time.Minute
	}
	if cfg.OrphanInterval <= 0 {
		cfg.OrphanInterval = 30 * time.Minute
	}
	return &Monitor{cfg: cfg, store: st, releaser: releaser, leader: leader, metrics: m}
}

// RunHeartbeatMonitor sweeps for silent bots until ctx is cancelled.
func (m *Monitor) RunHeartbeatMonitor(ctx context.Context) {
	m.runSweep(ctx, "heartbeat", m.cfg.HeartbeatInterval, m.SweepHeartbeats)
}

// runSweep runs fn on a fixed interval while holding the leader lock.
func (m *Monitor) runSweep(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, release, err := m.leader.Acquire(ctx, name, interval)
		if err != nil {
			logging.Op().Warn("monitor leader acquire failed", "monitor", name, "error", err)
			continue
		}
		if !held {
			continue
		}
		m.metrics.RecordMonitorSweep(name)
		if err := fn(ctx); err != nil {
			logging.Op().Error("monitor sweep failed", "monitor", name, "error", err)
		}
		release()
	}
}

// SweepHeartbeats reaps bots whose containers have gone silent and frees
// their platform resources.
func (m *Monitor) SweepHeartbeats(ctx context.Context) error {
	timeouts, err := m.store.ListHeartbeatTimeouts(ctx, heartbeatStaleAfter, deployCreatedGrace)
	if err != nil {
		return err
	}

	for _, t := range timeouts {
		reason := reapReason(t.Mode)
		reaped, err := m.store.MarkBotFatal(ctx, t.Bot.ID, reason)
		if err != nil {
			logging.Op().Error("reap failed", "bot", t.Bot.ID, "error", err)
			continue
		}
		if !reaped {
			// Terminal already, probably a racing status report.
			continue
		}
		m.metrics.RecordBotReaped(string(t.Mode))
		logging.Op().Warn("reaped unresponsive bot",
			"bot", t.Bot.ID, "mode", t.Mode, "status", t.Bot.Status,
			"platform", t.Bot.DeploymentPlatform)

		if err := m.releaser.Release(ctx, t.Bot.ID); err != nil {
			logging.Op().Error("release after reap failed", "bot", t.Bot.ID, "error", err)
		}
	}
	return nil
}

func reapReason(mode store.HeartbeatTimeoutMode) string {
	switch mode {
	case store.TimeoutDeployNoContact:
		return "Bot never reported after deployment (no contact within 30 minutes)"
	case store.TimeoutDeployStale:
		return "Bot stopped responding during deployment (no heartbeat for 10+ minutes)"
	default:
		return "Bot crashed or stopped responding (no heartbeat for 10+ minutes)"
	}
}

// staleHeartbeat reports whether the assigned bot's last heartbeat is too old
// to count as proof of life.
func staleHeartbeat(hb *time.Time) bool {
	return hb == nil || time.Since(*hb) > slotHeartbeatFresh
}
