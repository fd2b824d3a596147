package monitor

import (
	"context"

	"github.com/meeboter/meeboter/internal/coolify"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/store"
)

// Backend is the pool backend surface the slot monitors need.
type Backend interface {
	StopApplication(ctx context.Context, appUUID string) error
	DeleteApplication(ctx context.Context, appUUID string) error
	ListApplications(ctx context.Context) ([]coolify.Application, error)
}

// SlotRecovery repairs broken pool slots.
type SlotRecovery struct {
	monitor *Monitor
	backend Backend
}

// NewSlotRecovery attaches the pool backend to the monitor's slot sweeps.
func NewSlotRecovery(m *Monitor, backend Backend) *SlotRecovery {
	return &SlotRecovery{monitor: m, backend: backend}
}

// Run drives the recovery sweep until ctx is cancelled.
func (r *SlotRecovery) Run(ctx context.Context) {
	r.monitor.runSweep(ctx, "slot-recovery", r.monitor.cfg.SlotRecoveryInterval, r.Sweep)
}

// Sweep inspects ERROR slots and stuck DEPLOYING slots. A slot whose assigned
// bot still heartbeats is healthy regardless of what the row says; the rest
// are stopped and returned to the idle pool, or deleted after repeated
// failures.
func (r *SlotRecovery) Sweep(ctx context.Context) error {
	slots, err := r.monitor.store.ListRecoverableSlots(ctx, slotDeployingStale)
	if err != nil {
		return err
	}

	for _, slot := range slots {
		r.recoverSlot(ctx, slot)
	}
	return nil
}

func (r *SlotRecovery) recoverSlot(ctx context.Context, slot *store.PoolSlot) {
	hb, err := r.monitor.store.AssignedBotHeartbeat(ctx, slot)
	if err == nil && !staleHeartbeat(hb) {
		// The container is alive and reporting; the row lied.
		if err := r.monitor.store.MarkSlotHealthy(ctx, slot.ID); err != nil {
			logging.Op().Error("force-healthy failed", "slot", slot.SlotName, "error", err)
			return
		}
		r.monitor.metrics.RecordSlotRecovery("forced_healthy")
		logging.Op().Info("slot forced healthy on fresh heartbeat", "slot", slot.SlotName)
		return
	}

	if slot.AssignedBotID != nil && r.slotOwnsBot(ctx, slot) {
		reaped, err := r.monitor.store.MarkBotFatal(ctx, *slot.AssignedBotID,
			"pool slot failed: "+slot.ErrorMessage)
		if err != nil {
			logging.Op().Error("mark bot fatal on slot failure failed",
				"slot", slot.SlotName, "bot", *slot.AssignedBotID, "error", err)
		} else if reaped {
			r.monitor.metrics.RecordBotReaped("slot_failure")
		}
	}

	if slot.RecoveryAttempts >= store.MaxSlotRecoveryAttempts {
		r.retireSlot(ctx, slot)
		return
	}

	if !slot.PendingApplicationUUID() {
		if err := r.backend.StopApplication(ctx, slot.ApplicationUUID); err != nil {
			attempts, incErr := r.monitor.store.IncrementSlotRecoveryAttempts(ctx, slot.ID)
			if incErr != nil {
				logging.Op().Error("record recovery attempt failed", "slot", slot.SlotName, "error", incErr)
			}
			r.monitor.metrics.RecordSlotRecovery("retry")
			logging.Op().Warn("slot stop failed, will retry",
				"slot", slot.SlotName, "attempts", attempts, "error", err)
			return
		}
	}

	if err := r.monitor.store.ReleaseSlot(ctx, slot.ID); err != nil {
		logging.Op().Error("release recovered slot failed", "slot", slot.SlotName, "error", err)
		return
	}
	r.monitor.metrics.RecordSlotRecovery("recovered")
	logging.Op().Info("slot recovered to idle", "slot", slot.SlotName)
}

// slotOwnsBot reports whether the slot's assigned bot still lives on this
// slot. A bot the router moved to another platform keeps its old slot
// assignment until the release worker runs; failing it here would kill a
// healthy deployment.
func (r *SlotRecovery) slotOwnsBot(ctx context.Context, slot *store.PoolSlot) bool {
	bot, err := r.monitor.store.GetBot(ctx, *slot.AssignedBotID)
	if err != nil {
		logging.Op().Warn("bot lookup during slot recovery failed",
			"slot", slot.SlotName, "bot", *slot.AssignedBotID, "error", err)
		return true
	}
	if bot.PlatformIdentifier != "" && bot.PlatformIdentifier != slot.ApplicationUUID {
		logging.Op().Info("assigned bot moved platforms, sparing it",
			"slot", slot.SlotName, "bot", bot.ID, "platform", bot.DeploymentPlatform)
		return false
	}
	return true
}

// retireSlot deletes a slot that failed recovery too many times, along with
// its backend application. The pool recreates capacity on demand.
func (r *SlotRecovery) retireSlot(ctx context.Context, slot *store.PoolSlot) {
	if !slot.PendingApplicationUUID() {
		if err := r.backend.DeleteApplication(ctx, slot.ApplicationUUID); err != nil {
			logging.Op().Warn("backend delete during slot retirement failed",
				"slot", slot.SlotName, "error", err)
		}
	}
	if err := r.monitor.store.DeleteSlot(ctx, slot.ID); err != nil {
		logging.Op().Error("delete retired slot failed", "slot", slot.SlotName, "error", err)
		return
	}
	r.monitor.metrics.RecordSlotRecovery("retired")
	logging.Op().Warn("slot retired after repeated recovery failures",
		"slot", slot.SlotName, "attempts", slot.RecoveryAttempts)
}
