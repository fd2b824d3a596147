package router

import (
	"context"
	"errors"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/queue"
	"github.com/meeboter/meeboter/internal/store"
)

const pumpPollInterval = 10 * time.Second

// RunPump drains the global wait queue until ctx is cancelled. Each pass
// first fails entries that waited past their deadline, then claims queue
// heads one at a time and retries placement. Claiming marks the entry
// PROCESSING so concurrent replicas never race on the same bot.
func (r *Router) RunPump(ctx context.Context) {
	sub := r.notifier.Subscribe(ctx, queue.TopicGlobal)
	ticker := time.NewTicker(pumpPollInterval)
	defer ticker.Stop()

	for {
		r.PumpOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-sub:
		case <-ticker.C:
		}
	}
}

// PumpOnce runs a single expire-then-place pass.
func (r *Router) PumpOnce(ctx context.Context) {
	expired, err := r.store.ExpireGlobalQueue(ctx)
	if err != nil {
		logging.Op().Error("global queue expiry failed", "error", err)
	}
	for _, botID := range expired {
		r.metrics.RecordQueueTimeout("global")
		if _, err := r.store.MarkBotFatal(ctx, botID, "queue timeout: no platform capacity became available"); err != nil {
			logging.Op().Error("failed to fail timed-out queued bot", "bot", botID, "error", err)
		}
		if err := r.store.RemoveGlobalEntryByBot(ctx, botID); err != nil {
			logging.Op().Error("failed to drop expired queue entry", "bot", botID, "error", err)
		}
		logging.Op().Warn("global queue entry expired", "bot", botID)
	}

	for {
		entry, err := r.store.ClaimGlobalHead(ctx)
		if err != nil {
			logging.Op().Error("global queue claim failed", "error", err)
			return
		}
		if entry == nil {
			return
		}
		if !r.pumpEntry(ctx, entry) {
			return
		}
	}
}

// pumpEntry tries to place one claimed entry. Returns false when the pump
// should stop draining (no capacity anywhere).
func (r *Router) pumpEntry(ctx context.Context, entry *store.GlobalQueueEntry) bool {
	bot, err := r.store.GetBot(ctx, entry.BotID)
	if err != nil {
		logging.Op().Warn("dropping global queue entry for missing bot",
			"bot", entry.BotID, "error", err)
		if delErr := r.store.DeleteGlobalEntry(ctx, entry.ID); delErr != nil {
			logging.Op().Error("failed to drop orphaned queue entry",
				"entry", entry.ID, "error", delErr)
		}
		return true
	}
	if bot.Status.Terminal() {
		if err := r.store.DeleteGlobalEntry(ctx, entry.ID); err != nil {
			logging.Op().Error("failed to drop terminal bot queue entry",
				"entry", entry.ID, "error", err)
		}
		return true
	}

	// Queued bots re-enter the deploy path; the placement attempt must not
	// re-queue on failure, that is what RequeueGlobalEntry is for.
	if _, err := r.store.TransitionStatus(ctx, bot.ID,
		[]domain.BotStatus{domain.StatusQueued, domain.StatusReadyToDeploy},
		domain.StatusDeploying); err != nil {
		logging.Op().Error("failed to transition queued bot", "bot", bot.ID, "error", err)
	}

	res, err := r.Place(ctx, bot, false)
	if errors.Is(err, platform.ErrRefused) {
		// Still no capacity; put the entry back and stop this pass.
		if err := r.store.RequeueGlobalEntry(ctx, entry.ID); err != nil {
			logging.Op().Error("failed to requeue entry", "entry", entry.ID, "error", err)
		}
		if err := r.store.SetBotQueued(ctx, bot.ID); err != nil {
			logging.Op().Error("failed to restore queued status", "bot", bot.ID, "error", err)
		}
		return false
	}
	if err != nil {
		logging.Op().Error("queued bot placement failed", "bot", bot.ID, "error", err)
		if _, ferr := r.store.MarkBotFatal(ctx, bot.ID, "deployment failed: "+err.Error()); ferr != nil {
			logging.Op().Error("failed to fail bot", "bot", bot.ID, "error", ferr)
		}
		if delErr := r.store.DeleteGlobalEntry(ctx, entry.ID); delErr != nil {
			logging.Op().Error("failed to drop failed queue entry",
				"entry", entry.ID, "error", delErr)
		}
		return true
	}

	if err := r.store.DeleteGlobalEntry(ctx, entry.ID); err != nil {
		logging.Op().Error("failed to drop placed queue entry", "entry", entry.ID, "error", err)
	}
	logging.Op().Info("queued bot placed", "bot", bot.ID, "platform", res.Platform)
	return true
}
