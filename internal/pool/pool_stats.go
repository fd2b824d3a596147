package pool

import (
	"context"

	"github.com/meeboter/meeboter/internal/store"
)

// Stats combines slot-state counts with the pool queue summary and pushes
// the current numbers to the gauges.
type Stats struct {
	Slots *store.PoolStats  `json:"slots"`
	Queue *store.QueueStats `json:"queue"`
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	slots, err := m.store.SlotStats(ctx)
	if err != nil {
		return nil, err
	}
	slots.MaxSize = m.cfg.MaxPoolSize

	qs, err := m.store.PoolQueueStats(ctx)
	if err != nil {
		return nil, err
	}

	m.metrics.SetPoolSlots("idle", slots.Idle)
	m.metrics.SetPoolSlots("deploying", slots.Deploying)
	m.metrics.SetPoolSlots("healthy", slots.Healthy)
	m.metrics.SetPoolSlots("error", slots.Error)
	m.metrics.SetQueueDepth("pool", qs.Length)

	return &Stats{Slots: slots, Queue: qs}, nil
}
