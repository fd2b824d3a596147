package pool

import (
	"context"
	"time"

	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/queue"
)

const (
	queuePollInterval = 5 * time.Second

	// Queue waits are bounded; a configured timeout above the ceiling is
	// clamped, not honored.
	DefaultQueueWait = 5 * time.Minute
	MaxQueueWait     = 10 * time.Minute
)

// Enqueue adds a bot to the pool-local wait queue and returns its 1-based
// position. Used only when the pool is the sole configured platform; with
// multiple platforms the global queue owns all waiting.
func (m *Manager) Enqueue(ctx context.Context, botID int64, priority int, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultQueueWait
	}
	if timeout > MaxQueueWait {
		timeout = MaxQueueWait
	}
	pos, err := m.store.AddPoolQueueEntry(ctx, botID, priority, time.Now().Add(timeout))
	if err != nil {
		return 0, err
	}
	logging.Op().Info("bot queued for pool slot", "bot", botID, "position", pos)
	return pos, nil
}

// Dequeue removes a bot from the pool queue, if present.
func (m *Manager) Dequeue(ctx context.Context, botID int64) error {
	return m.store.RemovePoolQueueEntry(ctx, botID)
}

// RunQueueWorker drains the pool queue until ctx is cancelled: on every
// wakeup it expires overdue entries, then deploys queue heads onto idle
// slots while capacity lasts.
func (m *Manager) RunQueueWorker(ctx context.Context) {
	sub := m.notifier.Subscribe(ctx, queue.TopicPool)
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		m.ProcessQueue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-sub:
		case <-ticker.C:
		}
	}
}

// ProcessQueue expires overdue entries and deploys queue heads onto idle
// slots until the queue or the idle set is exhausted.
func (m *Manager) ProcessQueue(ctx context.Context) {
	expired, err := m.store.ExpirePoolQueue(ctx)
	if err != nil {
		logging.Op().Error("pool queue expiry failed", "error", err)
	}
	for _, botID := range expired {
		m.metrics.RecordQueueTimeout("pool")
		if _, err := m.store.MarkBotFatal(ctx, botID, "queue timeout: no pool slot became available"); err != nil {
			logging.Op().Error("failed to fail timed-out queued bot", "bot", botID, "error", err)
		} else {
			logging.Op().Warn("pool queue entry expired", "bot", botID)
		}
	}

	for {
		head, err := m.store.PoolQueueHead(ctx)
		if err != nil {
			logging.Op().Error("pool queue head lookup failed", "error", err)
			return
		}
		if head == nil {
			return
		}

		bot, err := m.store.GetBot(ctx, head.BotID)
		if err != nil {
			// The bot row is gone; drop the orphaned entry.
			logging.Op().Warn("dropping pool queue entry for missing bot",
				"bot", head.BotID, "error", err)
			if err := m.store.RemovePoolQueueEntry(ctx, head.BotID); err != nil {
				logging.Op().Error("failed to drop orphaned queue entry",
					"bot", head.BotID, "error", err)
				return
			}
			continue
		}
		if bot.Status.Terminal() {
			if err := m.store.RemovePoolQueueEntry(ctx, head.BotID); err != nil {
				logging.Op().Error("failed to drop terminal bot queue entry",
					"bot", head.BotID, "error", err)
				return
			}
			continue
		}

		slot, err := m.AcquireSlot(ctx, bot)
		if err != nil {
			// Pool still full (or backend down); the next release retries.
			logging.Op().Debug("pool queue head cannot be placed yet",
				"bot", head.BotID, "error", err)
			return
		}

		if err := m.store.RemovePoolQueueEntry(ctx, head.BotID); err != nil {
			logging.Op().Error("failed to dequeue placed bot",
				"bot", head.BotID, "error", err)
		}
		if err := m.Deploy(ctx, bot, slot); err != nil {
			logging.Op().Error("queued bot deployment failed",
				"bot", head.BotID, "slot", slot.SlotName, "error", err)
			continue
		}
		m.metrics.RecordDeployment("coolify", "queued_placement")
		logging.Op().Info("queued bot placed on pool slot",
			"bot", head.BotID, "slot", slot.SlotName)
	}
}
