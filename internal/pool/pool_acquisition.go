package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/meeboter/meeboter/internal/coolify"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/store"
)

// ErrPoolFull means every slot is busy and the pool is at its cap.
var ErrPoolFull = errors.New("pool is full")

// AcquireSlot claims a slot for the bot: first the least-recently-used idle
// slot, then a freshly created one while the pool is under its cap. Returns
// ErrPoolFull when neither is possible; the caller decides whether to queue.
func (m *Manager) AcquireSlot(ctx context.Context, bot *domain.Bot) (*store.PoolSlot, error) {
	platform := string(bot.Meeting.Platform)

	slot, err := m.store.AcquireIdleSlot(ctx, platform, bot.ID)
	if err != nil {
		return nil, err
	}
	if slot != nil {
		logging.Op().Info("reusing idle pool slot",
			"slot", slot.SlotName, "bot", bot.ID)
		return slot, nil
	}

	total, err := m.store.CountSlots(ctx)
	if err != nil {
		return nil, err
	}
	if total >= m.cfg.MaxPoolSize {
		return nil, fmt.Errorf("%w: %d/%d slots", ErrPoolFull, total, m.cfg.MaxPoolSize)
	}

	return m.createSlot(ctx, bot, platform)
}

// createSlot reserves a name in the database, then creates the backend
// application. The reservation commits before the slow backend call so the
// name stays claimed; on backend failure the reservation is rolled back by
// deleting the row.
func (m *Manager) createSlot(ctx context.Context, bot *domain.Bot, platform string) (*store.PoolSlot, error) {
	slot, err := m.store.ReserveNewSlot(ctx, platform, bot.ID)
	if err != nil {
		return nil, err
	}

	appUUID, err := m.backend.CreateApplication(ctx, coolify.CreateApplicationRequest{
		Name:        slot.SlotName,
		Description: fmt.Sprintf("bot %d", bot.ID),
		Image:       m.cfg.Image,
		Tag:         m.cfg.ImageTag,
	})
	if err != nil {
		if delErr := m.store.DeleteSlot(ctx, slot.ID); delErr != nil {
			logging.Op().Error("failed to roll back slot reservation",
				"slot", slot.SlotName, "error", delErr)
		}
		return nil, fmt.Errorf("create backend application for %s: %w", slot.SlotName, err)
	}

	if err := m.store.SetSlotApplicationUUID(ctx, slot.ID, appUUID); err != nil {
		return nil, err
	}
	slot.ApplicationUUID = appUUID

	logging.Op().Info("created pool slot",
		"slot", slot.SlotName, "application", appUUID, "bot", bot.ID)
	return slot, nil
}
