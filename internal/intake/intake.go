// Package intake is the data plane for running bot containers: heartbeats,
// event batches, screenshots, and terminal status reports. Handlers here are
// on the hot path and touch as few rows as possible.
package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/store"
)

// Store is the persistence surface the intake service needs.
type Store interface {
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	GetHeartbeatView(ctx context.Context, botID int64) (*store.HeartbeatView, error)
	TouchHeartbeat(ctx context.Context, botID int64, at time.Time) error
	InsertEvents(ctx context.Context, events []domain.Event) error
	CompleteStatusUpdate(ctx context.Context, botID int64, status domain.BotStatus, recordingURL string, speakerTimeline json.RawMessage) (*store.StatusUpdateResult, error)
	AddScreenshot(ctx context.Context, botID int64, shot domain.Screenshot) error
	GetSlotByApplicationUUID(ctx context.Context, appUUID string) (*store.PoolSlot, error)
}

// Releaser tears down a bot's platform resources after a terminal status.
type Releaser interface {
	Release(ctx context.Context, botID int64) error
}

// Spawner runs fire-and-forget work (webhooks, releases) off the request
// path.
type Spawner interface {
	Go(name string, fn func(ctx context.Context))
}

// Service handles the bot-facing data plane.
type Service struct {
	store    Store
	releaser Releaser
	spawner  Spawner
	metrics  *metrics.Metrics
	batcher  *Batcher
	webhooks *http.Client
}

// New builds the intake service. The event batcher must be started with
// RunBatcher before events are accepted.
func New(st Store, releaser Releaser, spawner Spawner, m *metrics.Metrics) *Service {
	s := &Service{
		store:    st,
		releaser: releaser,
		spawner:  spawner,
		metrics:  m,
		webhooks: &http.Client{Timeout: 10 * time.Second},
	}
	s.batcher = newBatcher(st, m)
	return s
}

// RunBatcher drives the event batcher until ctx is cancelled.
func (s *Service) RunBatcher(ctx context.Context) {
	s.batcher.run(ctx)
}
