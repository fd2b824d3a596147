package orchestrator

import (
	"context"
	"time"

	"github.com/meeboter/meeboter/internal/logging"
)

const (
	schedulePollInterval = 30 * time.Second
	scheduleBatchLimit   = 20
)

// RunScheduleWorker deploys bots whose start time has arrived. READY_TO_DEPLOY
// bots with a future start time sit out of the pipeline until this worker
// picks them up; the conditional status transition inside Deploy makes
// concurrent replicas safe. Blocks until ctx is cancelled.
func (o *Orchestrator) RunScheduleWorker(ctx context.Context) {
	ticker := time.NewTicker(schedulePollInterval)
	defer ticker.Stop()

	for {
		o.deployDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) deployDue(ctx context.Context) {
	ids, err := o.store.ListDueScheduledBots(ctx, immediateDeployWindow, scheduleBatchLimit)
	if err != nil {
		logging.Op().Error("scheduled bot lookup failed", "error", err)
		return
	}

	for _, botID := range ids {
		logging.Op().Info("deploying scheduled bot", "bot", botID)
		if _, err := o.Deploy(ctx, botID, 0); err != nil {
			// Deploy already recorded the failure on the bot row.
			logging.Op().Warn("scheduled deploy failed", "bot", botID, "error", err)
		}
	}
}
