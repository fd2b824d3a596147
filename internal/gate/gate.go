// Package gate bounds deployment concurrency. It provides two in-process
// primitives: a FIFO counting semaphore for deployments in flight, and a
// per-image pull lock that serializes the first pull of each image so a cold
// node is not hammered by parallel pulls of the same layer set.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/metrics"
)

// ErrQueueTimeout is returned when a deployment waits longer than the
// configured semaphore timeout for a permit.
var ErrQueueTimeout = errors.New("deployment queue timeout")

const (
	DefaultMaxConcurrent = 4
	DefaultWaitTimeout   = 30 * time.Minute
)

// Gate is the deployment-concurrency semaphore. Waiters are admitted FIFO.
type Gate struct {
	sem         *semaphore.Weighted
	waitTimeout time.Duration
	metrics     *metrics.Metrics
}

// New builds a Gate admitting maxConcurrent deployments at once.
func New(maxConcurrent int, waitTimeout time.Duration, m *metrics.Metrics) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if m == nil {
		m = metrics.Global()
	}
	return &Gate{
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		waitTimeout: waitTimeout,
		metrics:     m,
	}
}

// Acquire admits the bot's deployment or queues FIFO until a permit frees.
// The wait is bounded by the gate's timeout; the caller must Release on
// every exit path once Acquire succeeds.
func (g *Gate) Acquire(ctx context.Context, botID int64) error {
	if g.sem.TryAcquire(1) {
		g.metrics.DeployPermitAcquired()
		return nil
	}

	logging.Op().Debug("deployment gate full, queueing", "bot", botID)
	g.metrics.DeployWaiterAdded()
	defer g.metrics.DeployWaiterRemoved()

	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: bot %d waited %s", ErrQueueTimeout, botID, g.waitTimeout)
		}
		return fmt.Errorf("acquire deployment permit for bot %d: %w", botID, err)
	}
	g.metrics.DeployPermitAcquired()
	return nil
}

// Release frees the bot's permit and wakes the next waiter.
func (g *Gate) Release(botID int64) {
	g.sem.Release(1)
	g.metrics.DeployPermitReleased()
	logging.Op().Debug("deployment permit released", "bot", botID)
}
