// Package pool adapts the warm slot pool to the platform.Adapter contract.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meeboter/meeboter/internal/coolify"
	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/pool"
)

// EstimatedWaitPerPosition is the advertised wait per queue position.
const EstimatedWaitPerPosition = 30 * time.Second

// Backend is the subset of the PaaS client the adapter needs beyond what the
// pool manager wraps.
type Backend interface {
	StopApplication(ctx context.Context, appUUID string) error
	GetApplication(ctx context.Context, appUUID string) (*coolify.Application, error)
}

// Adapter places bots on pre-warmed pool slots. Deployment permits and image
// pull serialization live inside the pool manager's deploy path.
type Adapter struct {
	manager *pool.Manager
	backend Backend

	// queueOnFull enables the pool-local wait queue. Only set when the
	// pool is the sole configured platform; otherwise the global queue
	// owns all waiting and double-queuing would strand bots.
	queueOnFull  bool
	queueTimeout time.Duration
}

// New builds the pool adapter.
func New(manager *pool.Manager, backend Backend) *Adapter {
	return &Adapter{
		manager: manager,
		backend: backend,
	}
}

// EnableQueue turns on the pool-local wait queue for deployments that find
// the pool full.
func (a *Adapter) EnableQueue(timeout time.Duration) {
	a.queueOnFull = true
	a.queueTimeout = timeout
}

func (a *Adapter) Name() string { return platform.NameCoolify }

// Deploy claims a slot and starts its container for the bot. When the pool
// is full the bot is queued locally (if enabled) or refused so the router
// can fall through.
func (a *Adapter) Deploy(ctx context.Context, bot *domain.Bot) (*platform.DeployResult, error) {
	slot, err := a.manager.AcquireSlot(ctx, bot)
	if errors.Is(err, pool.ErrPoolFull) {
		if !a.queueOnFull {
			return nil, fmt.Errorf("%w: %v", platform.ErrRefused, err)
		}
		pos, qerr := a.manager.Enqueue(ctx, bot.ID, 0, a.queueTimeout)
		if qerr != nil {
			return nil, qerr
		}
		return &platform.DeployResult{
			Queued:          true,
			QueuePosition:   pos,
			EstimatedWaitMS: int64(pos) * EstimatedWaitPerPosition.Milliseconds(),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := a.manager.Deploy(ctx, bot, slot); err != nil {
		return nil, err
	}

	return &platform.DeployResult{
		Identifier: slot.ApplicationUUID,
		SlotName:   slot.SlotName,
	}, nil
}

// Stop halts the slot's container without releasing the slot assignment;
// the release worker returns the slot to the pool separately.
func (a *Adapter) Stop(ctx context.Context, identifier string) error {
	if identifier == "" || strings.HasPrefix(identifier, "pending-") {
		return nil
	}
	return a.backend.StopApplication(ctx, identifier)
}

// Status maps the backend application state onto the common enum.
func (a *Adapter) Status(ctx context.Context, identifier string) (platform.State, error) {
	app, err := a.backend.GetApplication(ctx, identifier)
	if err != nil {
		return "", err
	}
	if app == nil {
		return platform.StateFailed, nil
	}
	status := strings.ToLower(app.Status)
	switch {
	case strings.HasPrefix(status, "running"):
		return platform.StateRunning, nil
	case strings.HasPrefix(status, "starting"), strings.HasPrefix(status, "restarting"):
		return platform.StateProvisioning, nil
	case strings.HasPrefix(status, "exited"), strings.HasPrefix(status, "stopped"):
		return platform.StateStopped, nil
	default:
		logging.Op().Warn("unrecognized application status, treating as pending",
			"identifier", identifier, "status", app.Status)
		return platform.StatePending, nil
	}
}

// Release returns the bot's slot to the idle set and drops any pool queue
// entry it still holds.
func (a *Adapter) Release(ctx context.Context, botID int64) error {
	if err := a.manager.Dequeue(ctx, botID); err != nil {
		logging.Op().Warn("failed to dequeue bot on release", "bot", botID, "error", err)
	}
	return a.manager.Release(ctx, botID)
}

// ProcessQueue advances the pool-local queue.
func (a *Adapter) ProcessQueue(ctx context.Context) error {
	a.manager.ProcessQueue(ctx)
	return nil
}
