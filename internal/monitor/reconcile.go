package monitor

import (
	"context"
	"strings"

	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/store"
)

// Applications the reconciler considers pool-managed. Anything else on the
// backend is left alone.
const poolNamePrefix = "pool-"

// Reconciler resolves drift between backend applications and slot rows in
// both directions: backend apps with no slot row are deleted, slot rows whose
// app vanished from the backend are removed.
type Reconciler struct {
	monitor *Monitor
	backend Backend
}

// NewReconciler attaches the pool backend to the monitor's orphan sweep.
func NewReconciler(m *Monitor, backend Backend) *Reconciler {
	return &Reconciler{monitor: m, backend: backend}
}

// Run drives the reconcile sweep until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.monitor.runSweep(ctx, "reconcile", r.monitor.cfg.OrphanInterval, func(ctx context.Context) error {
		_, err := r.Reconcile(ctx)
		return err
	})
}

// ReconcileReport counts what one pass cleaned up.
type ReconcileReport struct {
	OrphanedApps  int `json:"orphaned_apps"`
	OrphanedSlots int `json:"orphaned_slots"`
}

// Reconcile runs one pass and reports what it removed.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	apps, err := r.backend.ListApplications(ctx)
	if err != nil {
		return nil, err
	}
	slots, err := r.monitor.store.ListSlots(ctx)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		byUUID[a.UUID] = struct{}{}
	}
	slotUUIDs := make(map[string]*store.PoolSlot, len(slots))
	for _, s := range slots {
		slotUUIDs[s.ApplicationUUID] = s
	}

	report := &ReconcileReport{}

	// Backend apps nothing tracks. Only touch pool-named apps so a shared
	// project does not lose unrelated services.
	for _, a := range apps {
		if !strings.HasPrefix(a.Name, poolNamePrefix) {
			continue
		}
		if _, ok := slotUUIDs[a.UUID]; ok {
			continue
		}
		if err := r.backend.DeleteApplication(ctx, a.UUID); err != nil {
			logging.Op().Warn("orphaned application delete failed",
				"app", a.Name, "uuid", a.UUID, "error", err)
			continue
		}
		report.OrphanedApps++
		logging.Op().Warn("deleted orphaned backend application", "app", a.Name, "uuid", a.UUID)
	}

	// Slot rows whose application vanished from the backend. Rows still
	// waiting on their first backend create are skipped.
	for _, s := range slots {
		if s.PendingApplicationUUID() {
			continue
		}
		if _, ok := byUUID[s.ApplicationUUID]; ok {
			continue
		}
		if s.AssignedBotID != nil {
			reaped, err := r.monitor.store.MarkBotFatal(ctx, *s.AssignedBotID,
				"pool deployment failed: backend application disappeared")
			if err != nil {
				logging.Op().Error("mark bot fatal for vanished application failed",
					"slot", s.SlotName, "bot", *s.AssignedBotID, "error", err)
			} else if reaped {
				r.monitor.metrics.RecordBotReaped("slot_vanished")
			}
		}
		if err := r.monitor.store.DeleteSlot(ctx, s.ID); err != nil {
			logging.Op().Error("orphaned slot delete failed", "slot", s.SlotName, "error", err)
			continue
		}
		report.OrphanedSlots++
		logging.Op().Warn("deleted slot for vanished application",
			"slot", s.SlotName, "uuid", s.ApplicationUUID)
	}

	if report.OrphanedApps > 0 || report.OrphanedSlots > 0 {
		logging.Op().Info("reconcile pass complete",
			"orphaned_apps", report.OrphanedApps, "orphaned_slots", report.OrphanedSlots)
	}
	return report, nil
}
