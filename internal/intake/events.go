package intake

import (
	"context"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/metrics"
)

const (
	// A batch flushes when it reaches this size or when the flush timer
	// fires, whichever comes first.
	batchSize     = 50
	batchInterval = 100 * time.Millisecond

	// Backpressure bound. Events past it are dropped, not queued; the
	// data plane must not stall bot containers.
	intakeBuffer = 4096
)

// Batcher coalesces bot events into bulk inserts.
type Batcher struct {
	store   Store
	metrics *metrics.Metrics
	in      chan domain.Event
}

func newBatcher(st Store, m *metrics.Metrics) *Batcher {
	return &Batcher{
		store:   st,
		metrics: m,
		in:      make(chan domain.Event, intakeBuffer),
	}
}

// Submit queues events for insertion. Events that do not fit the buffer are
// dropped and counted; the caller is never blocked.
func (s *Service) Submit(events []domain.Event) {
	now := time.Now()
	accepted := 0
	for _, e := range events {
		if e.EventTime.IsZero() {
			e.EventTime = now
		}
		select {
		case s.batcher.in <- e:
			accepted++
		default:
			s.metrics.RecordEventsDropped(len(events) - accepted)
			logging.Op().Warn("event intake buffer full, dropping",
				"dropped", len(events)-accepted)
			return
		}
	}
}

func (b *Batcher) run(ctx context.Context) {
	batch := make([]domain.Event, 0, batchSize)
	timer := time.NewTimer(batchInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Flush with a fresh context so shutdown still drains the tail.
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := b.store.InsertEvents(flushCtx, batch)
		cancel()
		if err != nil {
			b.metrics.RecordEventsDropped(len(batch))
			logging.Op().Error("event batch insert failed",
				"events", len(batch), "error", err)
		} else {
			b.metrics.RecordEventsIngested(len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already buffered, then flush once.
			for {
				select {
				case e := <-b.in:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return

		case e := <-b.in:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(batchInterval)
			}

		case <-timer.C:
			flush()
			timer.Reset(batchInterval)
		}
	}
}
