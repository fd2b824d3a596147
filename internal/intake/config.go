package intake

import (
	"context"
	"fmt"

	"github.com/meeboter/meeboter/internal/domain"
)

// ErrSlotRetired signals that the pool container asking for config should not
// run a session. The caller maps it to a response that makes the container
// idle or exit rather than join a meeting.
var ErrSlotRetired = fmt.Errorf("slot has no runnable bot")

// PoolSlotConfig resolves the bot config for a pool container by its backend
// application UUID. Pool containers do not know their bot id at boot; the
// slot assignment is the source of truth.
func (s *Service) PoolSlotConfig(ctx context.Context, appUUID string) (*domain.BotConfig, error) {
	slot, err := s.store.GetSlotByApplicationUUID(ctx, appUUID)
	if err != nil {
		return nil, err
	}
	if slot.AssignedBotID == nil {
		return nil, fmt.Errorf("%w: slot %s is unassigned", ErrSlotRetired, slot.SlotName)
	}

	bot, err := s.store.GetBot(ctx, *slot.AssignedBotID)
	if err != nil {
		return nil, err
	}
	if bot.Status.Terminal() {
		// A restarted container asking for a finished bot's config must
		// not rejoin the meeting.
		return nil, fmt.Errorf("%w: bot %d already %s", ErrSlotRetired, bot.ID, bot.Status)
	}

	cfg := bot.Config()
	return &cfg, nil
}

// BotConfigFor returns the startup config for a directly-deployed bot.
func (s *Service) BotConfigFor(ctx context.Context, botID int64) (*domain.BotConfig, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Status.Terminal() {
		return nil, fmt.Errorf("%w: bot %d already %s", ErrSlotRetired, bot.ID, bot.Status)
	}
	cfg := bot.Config()
	return &cfg, nil
}
