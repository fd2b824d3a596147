package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/queue"
	"github.com/meeboter/meeboter/internal/store"
)

// Deploy configures the slot's container for the bot and starts it. The slot
// must already be claimed (DEPLOYING) for the bot. A deployment permit and
// the image pull lock are held for the whole deployment; the background
// health observation releases them once the container is up or given up on.
//
// A synchronous failure only marks the slot; the error propagates so the
// caller can try another platform. The bot row goes FATAL only from the
// background observer, when no fallback is left to claim it.
func (m *Manager) Deploy(ctx context.Context, bot *domain.Bot, slot *store.PoolSlot) error {
	env := map[string]string{
		"BOT_ID":                strconv.FormatInt(bot.ID, 10),
		"CONTROL_PLANE_URL":     m.cfg.CallbackURL,
		"POOL_APPLICATION_UUID": slot.ApplicationUUID,
	}
	if err := m.backend.SetEnv(ctx, slot.ApplicationUUID, env); err != nil {
		m.failSlot(ctx, slot, err)
		return err
	}

	desc := fmt.Sprintf("bot %d (%s)", bot.ID, bot.Meeting.Platform)
	if err := m.backend.UpdateDescription(ctx, slot.ApplicationUUID, desc); err != nil {
		// Cosmetic only.
		logging.Op().Warn("failed to update slot description",
			"slot", slot.SlotName, "error", err)
	}

	if err := m.gate.Acquire(ctx, bot.ID); err != nil {
		m.failSlot(ctx, slot, err)
		return err
	}
	lease, err := m.locks.Acquire(ctx, platform.NameCoolify, m.cfg.ImageTag)
	if err != nil {
		m.gate.Release(bot.ID)
		m.failSlot(ctx, slot, err)
		return err
	}
	done := func(observeErr error) {
		lease.Release(observeErr)
		m.gate.Release(bot.ID)
	}

	// A deployment the backend already queued for this slot will pick up
	// the new environment; a second start would only thrash it.
	recent, err := m.backend.RecentDeployment(ctx, slot.ApplicationUUID, m.cfg.RecentDeployWindow)
	if err != nil {
		logging.Op().Warn("recent deployment check failed, starting anyway",
			"slot", slot.SlotName, "error", err)
	}
	if !recent {
		if err := m.backend.StartApplication(ctx, slot.ApplicationUUID); err != nil {
			m.failSlot(ctx, slot, err)
			done(err)
			return err
		}
	}

	go m.observeDeploy(bot, slot, done)
	return nil
}

// failSlot marks the slot ERROR for the recovery loop. The bot row is left
// alone.
func (m *Manager) failSlot(ctx context.Context, slot *store.PoolSlot, cause error) {
	if err := m.store.MarkSlotError(ctx, slot.ID, cause.Error()); err != nil {
		logging.Op().Error("failed to mark slot error", "slot", slot.SlotName, "error", err)
	}
}

func (m *Manager) failDeploy(ctx context.Context, bot *domain.Bot, slot *store.PoolSlot, cause error, done func(error)) {
	m.failSlot(ctx, slot, cause)
	if _, err := m.store.MarkBotFatal(ctx, bot.ID, "pool deployment failed: "+cause.Error()); err != nil {
		logging.Op().Error("failed to mark bot fatal", "bot", bot.ID, "error", err)
	}
	if done != nil {
		done(cause)
	}
}

// observeDeploy polls the backend until the slot's container is running,
// then marks the slot HEALTHY. On timeout the slot goes to ERROR and the bot
// to FATAL. done fires on every exit path.
func (m *Manager) observeDeploy(bot *domain.Bot, slot *store.PoolSlot, done func(error)) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ObserveTimeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(m.cfg.ObservePoll)
	defer ticker.Stop()

	for {
		running, err := m.backend.IsRunning(ctx, slot.ApplicationUUID)
		if err != nil {
			logging.Op().Warn("slot health probe failed",
				"slot", slot.SlotName, "error", err)
		}
		if running {
			if err := m.store.MarkSlotHealthy(ctx, slot.ID); err != nil {
				logging.Op().Error("failed to mark slot healthy",
					"slot", slot.SlotName, "error", err)
			}
			m.metrics.ObserveDeployDuration("coolify", time.Since(start).Seconds())
			logging.Op().Info("pool slot healthy",
				"slot", slot.SlotName, "bot", bot.ID, "took", time.Since(start).Round(time.Second))
			if done != nil {
				done(nil)
			}
			return
		}

		select {
		case <-ctx.Done():
			cause := fmt.Errorf("container for slot %s not running after %s",
				slot.SlotName, m.cfg.ObserveTimeout)
			// The failure path needs a fresh context; ctx just expired.
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.failDeploy(cleanupCtx, bot, slot, cause, done)
			cleanupCancel()
			return
		case <-ticker.C:
		}
	}
}

// Release stops the bot's slot container and returns the slot to the idle
// set, then wakes pool-queue waiters. Releasing a bot that holds no slot is
// a no-op.
func (m *Manager) Release(ctx context.Context, botID int64) error {
	slot, err := m.store.GetSlotByBot(ctx, botID)
	if errors.Is(err, store.ErrSlotNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !slot.PendingApplicationUUID() {
		if err := m.backend.StopApplication(ctx, slot.ApplicationUUID); err != nil {
			// The container keeps running until the recovery loop gets it;
			// the slot still returns to the pool.
			logging.Op().Warn("failed to stop slot container",
				"slot", slot.SlotName, "error", err)
		}
	}

	if err := m.store.ReleaseSlot(ctx, slot.ID); err != nil {
		return err
	}
	logging.Op().Info("released pool slot", "slot", slot.SlotName, "bot", botID)

	if err := m.notifier.Notify(ctx, queue.TopicPool); err != nil {
		logging.Op().Warn("pool release notify failed", "error", err)
	}
	return nil
}
