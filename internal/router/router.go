// Package router places bots on deployment platforms. Placement walks the
// configured priority order; a platform at its bot limit or refusing the bot
// falls through to the next one, and a bot no platform can take joins the
// global wait queue. The pump drains that queue as capacity frees up.
package router

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
	"github.com/meeboter/meeboter/internal/store"
)

// EstimatedWaitPerPosition is the advertised wait per global queue position.
const EstimatedWaitPerPosition = 30 * time.Second

// DefaultGlobalQueueTimeout bounds how long a bot may wait in the global
// queue before it fails.
const DefaultGlobalQueueTimeout = 5 * time.Minute

// ErrNoPlatforms means the priority list resolved to zero usable adapters.
var ErrNoPlatforms = errors.New("no deployment platforms configured")

// Store is the persistence surface placement needs.
type Store interface {
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	ActiveBotCount(ctx context.Context, platform string) (int, error)
	SetPlacement(ctx context.Context, botID int64, platform, identifier string) error
	SetBotQueued(ctx context.Context, botID int64) error
	TransitionStatus(ctx context.Context, botID int64, from []domain.BotStatus, to domain.BotStatus) (bool, error)
	MarkBotFatal(ctx context.Context, botID int64, reason string) (bool, error)

	EnqueueGlobal(ctx context.Context, botID int64, priority int, timeoutAt time.Time) (int, error)
	GlobalQueuePosition(ctx context.Context, botID int64) (int, error)
	ExpireGlobalQueue(ctx context.Context) ([]int64, error)
	ClaimGlobalHead(ctx context.Context) (*store.GlobalQueueEntry, error)
	DeleteGlobalEntry(ctx context.Context, id int64) error
	RemoveGlobalEntryByBot(ctx context.Context, botID int64) error
	RequeueGlobalEntry(ctx context.Context, id int64) error
	GlobalQueueStats(ctx context.Context) (*store.QueueStats, error)
}

// PlatformLimit is the router-side cap for one platform. Zero means
// unlimited.
type PlatformLimit struct {
	BotLimit int
}

// Result is what a placement attempt produced.
type Result struct {
	Platform        string `json:"platform,omitempty"`
	Identifier      string `json:"identifier,omitempty"`
	SlotName        string `json:"slot_name,omitempty"`
	Queued          bool   `json:"queued"`
	QueuePosition   int    `json:"queue_position,omitempty"`
	EstimatedWaitMS int64  `json:"estimated_wait_ms,omitempty"`
}

// Router is the hybrid placement engine.
type Router struct {
	store        Store
	adapters     []platform.Adapter
	limits       map[string]PlatformLimit
	notifier     queue.Notifier
	metrics      *metrics.Metrics
	queueTimeout time.Duration
}

// New builds a router over the adapters in priority order. Adapters must
// already be filtered to the configured platforms; an empty list is an error.
func New(st Store, adapters []platform.Adapter, limits map[string]PlatformLimit,
	notifier queue.Notifier, m *metrics.Metrics, queueTimeout time.Duration) (*Router, error) {
	if len(adapters) == 0 {
		return nil, ErrNoPlatforms
	}
	if limits == nil {
		limits = map[string]PlatformLimit{}
	}
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	if queueTimeout <= 0 {
		queueTimeout = DefaultGlobalQueueTimeout
	}
	for _, a := range adapters {
		logging.Op().Info("deployment platform enabled",
			"platform", a.Name(), "bot_limit", limits[a.Name()].BotLimit)
	}
	return &Router{
		store:        st,
		adapters:     adapters,
		limits:       limits,
		notifier:     notifier,
		metrics:      m,
		queueTimeout: queueTimeout,
	}, nil
}

// Place walks the priority order and deploys the bot on the first platform
// with headroom that accepts it. When every platform is full or refuses, the
// bot goes to the global wait queue (unless enqueue is false).
func (r *Router) Place(ctx context.Context, bot *domain.Bot, enqueue bool) (*Result, error) {
	return r.PlaceWithTimeout(ctx, bot, enqueue, 0)
}

// PlaceWithTimeout is Place with a per-request global queue timeout override;
// zero means the configured default.
func (r *Router) PlaceWithTimeout(ctx context.Context, bot *domain.Bot, enqueue bool, queueTimeout time.Duration) (*Result, error) {
	for _, adapter := range r.adapters {
		name := adapter.Name()

		if limit := r.limits[name].BotLimit; limit > 0 {
			active, err := r.store.ActiveBotCount(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("active count for %s: %w", name, err)
			}
			if active >= limit {
				logging.Op().Debug("platform at bot limit",
					"platform", name, "active", active, "limit", limit)
				continue
			}
		}

		res, err := adapter.Deploy(ctx, bot)
		if errors.Is(err, platform.ErrRefused) {
			r.metrics.RecordRefusal(name)
			logging.Op().Info("platform refused bot",
				"platform", name, "bot", bot.ID, "reason", err)
			continue
		}
		if err != nil {
			// A hard adapter error also falls through: the next platform
			// may still take the bot.
			r.metrics.RecordDeployment(name, "error")
			logging.Op().Warn("platform deploy error, trying next",
				"platform", name, "bot", bot.ID, "error", err)
			continue
		}

		if res.Queued {
			if err := r.store.SetBotQueued(ctx, bot.ID); err != nil {
				return nil, err
			}
			r.metrics.RecordDeployment(name, "queued")
			return &Result{
				Platform:        name,
				Queued:          true,
				QueuePosition:   res.QueuePosition,
				EstimatedWaitMS: res.EstimatedWaitMS,
			}, nil
		}

		if res.Identifier == "" {
			// An adapter reporting success without a handle would strand
			// an untrackable container.
			r.metrics.RecordDeployment(name, "error")
			logging.Op().Error("adapter returned empty identifier, skipping",
				"platform", name, "bot", bot.ID)
			continue
		}

		if err := r.store.SetPlacement(ctx, bot.ID, name, res.Identifier); err != nil {
			return nil, err
		}
		r.metrics.RecordDeployment(name, "placed")
		logging.Op().Info("bot placed",
			"bot", bot.ID, "platform", name, "identifier", res.Identifier)
		return &Result{
			Platform:   name,
			Identifier: res.Identifier,
			SlotName:   res.SlotName,
		}, nil
	}

	if !enqueue {
		return nil, fmt.Errorf("%w: all platforms full or refusing", platform.ErrRefused)
	}
	if queueTimeout <= 0 {
		queueTimeout = r.queueTimeout
	}
	return r.enqueueGlobal(ctx, bot, queueTimeout)
}

func (r *Router) enqueueGlobal(ctx context.Context, bot *domain.Bot, queueTimeout time.Duration) (*Result, error) {
	pos, err := r.store.EnqueueGlobal(ctx, bot.ID, 0, time.Now().Add(queueTimeout))
	if err != nil {
		return nil, err
	}
	if err := r.store.SetBotQueued(ctx, bot.ID); err != nil {
		return nil, err
	}
	logging.Op().Info("bot queued globally", "bot", bot.ID, "position", pos)
	return &Result{
		Queued:          true,
		QueuePosition:   pos,
		EstimatedWaitMS: int64(pos) * EstimatedWaitPerPosition.Milliseconds(),
	}, nil
}

// Adapter returns the adapter for a platform tag, or nil.
func (r *Router) Adapter(name string) platform.Adapter {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// Adapters returns the priority-ordered adapter list.
func (r *Router) Adapters() []platform.Adapter { return r.adapters }

// Notify wakes the global queue pump; called after any capacity release.
func (r *Router) Notify(ctx context.Context) {
	if err := r.notifier.Notify(ctx, queue.TopicGlobal); err != nil {
		logging.Op().Warn("global queue notify failed", "error", err)
	}
}
