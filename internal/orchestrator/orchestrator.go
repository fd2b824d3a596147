// Package orchestrator is the bot lifecycle coordinator: it owns creation
// defaults, the deploy pipeline (status transitions and placement), releases,
// and cancellation. HTTP handlers call in here; the orchestrator talks to the
// router and the store. Concurrency permits live inside the adapter deploy
// paths, so queue-pump placements are bounded the same way as direct ones.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/queue"
	"github.com/meeboter/meeboter/internal/router"
)

const (
	// Bots whose start time is inside this window deploy immediately;
	// later ones wait for the schedule worker.
	immediateDeployWindow = 5 * time.Minute

	// Per-request queue timeouts are clamped to this ceiling.
	MaxQueueTimeout = 10 * time.Minute
)

// ErrNotDeployable means the bot's current status does not allow a deploy.
var ErrNotDeployable = errors.New("bot is not in a deployable state")

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateBot(ctx context.Context, b *domain.Bot) (*domain.Bot, error)
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	GetBotForUser(ctx context.Context, id, userID int64) (*domain.Bot, error)
	TransitionStatus(ctx context.Context, botID int64, from []domain.BotStatus, to domain.BotStatus) (bool, error)
	MarkBotFatal(ctx context.Context, botID int64, reason string) (bool, error)
	RemoveGlobalEntryByBot(ctx context.Context, botID int64) error
	ListDueScheduledBots(ctx context.Context, window time.Duration, limit int) ([]int64, error)
}

// Placer is the router surface the orchestrator needs.
type Placer interface {
	PlaceWithTimeout(ctx context.Context, bot *domain.Bot, enqueue bool, queueTimeout time.Duration) (*router.Result, error)
	Adapter(name string) platform.Adapter
	Notify(ctx context.Context)
}

// Config tunes the orchestrator.
type Config struct {
	// WaitingRoomFloor is the uniform lower bound for the waiting-room
	// automatic-leave timeout.
	WaitingRoomFloor time.Duration
}

// Orchestrator coordinates bot lifecycles.
type Orchestrator struct {
	cfg      Config
	store    Store
	placer   Placer
	notifier queue.Notifier
	metrics  *metrics.Metrics
}

// New builds the orchestrator.
func New(cfg Config, st Store, placer Placer, notifier queue.Notifier, m *metrics.Metrics) *Orchestrator {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		placer:   placer,
		notifier: notifier,
		metrics:  m,
	}
}

// CreateBot persists a new bot with defaults and clamps applied, then
// deploys it immediately when its start time is now or near. Returns the
// stored bot and, for immediate deploys, the placement result.
func (o *Orchestrator) CreateBot(ctx context.Context, bot *domain.Bot) (*domain.Bot, *router.Result, error) {
	if bot.DisplayName == "" {
		bot.DisplayName = domain.DefaultDisplayName
	}
	if bot.HeartbeatIntervalMS <= 0 {
		bot.HeartbeatIntervalMS = domain.DefaultHeartbeatIntervalMS
	}
	if bot.LogLevel == "" {
		bot.LogLevel = domain.LogInfo
	}
	bot.AutomaticLeave = bot.AutomaticLeave.Clamped(o.cfg.WaitingRoomFloor)
	bot.Status = domain.StatusReadyToDeploy

	created, err := o.store.CreateBot(ctx, bot)
	if err != nil {
		return nil, nil, err
	}
	logging.Op().Info("bot created",
		"bot", created.ID, "user", created.UserID,
		"meeting_platform", created.Meeting.Platform,
		"scheduled", created.StartTime != nil)

	if !o.shouldDeployImmediately(created) {
		return created, nil, nil
	}

	res, err := o.Deploy(ctx, created.ID, 0)
	if err != nil {
		// The bot row survives with FATAL status and the reason recorded.
		return created, nil, err
	}
	return created, res, nil
}

func (o *Orchestrator) shouldDeployImmediately(bot *domain.Bot) bool {
	if bot.StartTime == nil {
		return true
	}
	return time.Until(*bot.StartTime) <= immediateDeployWindow
}

// Deploy runs the placement pipeline for a bot: claim the DEPLOYING status,
// then place. queueTimeout bounds global-queue waiting for this request; zero
// means the configured default, and values above the ceiling are clamped
// down.
func (o *Orchestrator) Deploy(ctx context.Context, botID int64, queueTimeout time.Duration) (*router.Result, error) {
	if queueTimeout > MaxQueueTimeout {
		queueTimeout = MaxQueueTimeout
	}

	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}

	ok, err := o.store.TransitionStatus(ctx, botID,
		[]domain.BotStatus{domain.StatusReadyToDeploy, domain.StatusQueued},
		domain.StatusDeploying)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: bot %d is %s", ErrNotDeployable, botID, bot.Status)
	}

	res, err := o.placer.PlaceWithTimeout(ctx, bot, true, queueTimeout)
	if err != nil {
		if _, ferr := o.store.MarkBotFatal(ctx, botID, "deployment failed: "+err.Error()); ferr != nil {
			logging.Op().Error("failed to fail bot after placement error", "bot", botID, "error", ferr)
		}
		return nil, err
	}
	return res, nil
}

// Release tears down the bot's platform resources and wakes the queue
// pumps. Safe to call for bots that were never placed.
func (o *Orchestrator) Release(ctx context.Context, botID int64) error {
	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}

	if bot.DeploymentPlatform != "" {
		adapter := o.placer.Adapter(bot.DeploymentPlatform)
		if adapter == nil {
			logging.Op().Warn("bot placed on unconfigured platform, skipping teardown",
				"bot", botID, "platform", bot.DeploymentPlatform)
		} else {
			if bot.PlatformIdentifier != "" {
				if err := adapter.Stop(ctx, bot.PlatformIdentifier); err != nil {
					logging.Op().Warn("platform stop failed",
						"bot", botID, "platform", bot.DeploymentPlatform, "error", err)
				}
			}
			if err := adapter.Release(ctx, botID); err != nil {
				return fmt.Errorf("release bot %d on %s: %w", botID, bot.DeploymentPlatform, err)
			}
		}
	}

	// Freed capacity may unblock global queue waiters on any platform.
	o.placer.Notify(ctx)
	return nil
}

// CancelDeployment aborts a bot that has not reached a call yet: it leaves
// the queues, its resources are released, and it goes FATAL with a
// cancellation reason. Bots already in a call use RemoveFromCall instead.
func (o *Orchestrator) CancelDeployment(ctx context.Context, botID, userID int64) error {
	bot, err := o.store.GetBotForUser(ctx, botID, userID)
	if err != nil {
		return err
	}

	switch bot.Status {
	case domain.StatusDone, domain.StatusFatal:
		return nil
	case domain.StatusInCall, domain.StatusLeaving:
		return fmt.Errorf("bot %d is %s, use leave instead", botID, bot.Status)
	}

	if err := o.store.RemoveGlobalEntryByBot(ctx, botID); err != nil {
		logging.Op().Warn("failed to drop queue entry on cancel", "bot", botID, "error", err)
	}
	if _, err := o.store.MarkBotFatal(ctx, botID, "deployment cancelled by user"); err != nil {
		return err
	}
	return o.Release(ctx, botID)
}

// RemoveFromCall asks an in-call bot to leave. The bot observes the flag on
// its next heartbeat and exits through its normal shutdown path.
func (o *Orchestrator) RemoveFromCall(ctx context.Context, botID, userID int64) error {
	if _, err := o.store.GetBotForUser(ctx, botID, userID); err != nil {
		return err
	}

	ok, err := o.store.TransitionStatus(ctx, botID,
		[]domain.BotStatus{domain.StatusJoiningCall, domain.StatusInWaitingRoom, domain.StatusInCall},
		domain.StatusLeaving)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bot %d is not in a call", botID)
	}
	logging.Op().Info("bot asked to leave call", "bot", botID)
	return nil
}
