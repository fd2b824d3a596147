package intake

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
)

// Heartbeat handlers slower than this get a warning log; the data plane
// expects single-digit milliseconds.
const slowHeartbeat = time.Second

// HeartbeatResponse is what the bot container acts on after each beat.
type HeartbeatResponse struct {
	// ShouldLeave tells the bot to exit the meeting through its normal
	// shutdown path. Set while the bot is in LEAVING.
	ShouldLeave bool `json:"should_leave"`

	// LogLevel lets operators raise container verbosity at runtime.
	LogLevel domain.LogLevel `json:"log_level"`

	Status domain.BotStatus `json:"status"`
}

// Heartbeat records liveness and returns the control flags for the bot. The
// read and the write are independent rows work, so they run concurrently.
func (s *Service) Heartbeat(ctx context.Context, botID int64) (*HeartbeatResponse, error) {
	start := time.Now()

	var view *storeHeartbeatView
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.store.GetHeartbeatView(gctx, botID)
		if err != nil {
			return err
		}
		view = &storeHeartbeatView{v.Status, v.LogLevel}
		return nil
	})
	g.Go(func() error {
		return s.store.TouchHeartbeat(gctx, botID, start)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	took := time.Since(start)
	s.metrics.RecordHeartbeat(took.Seconds())
	if took > slowHeartbeat {
		logging.Op().Warn("slow heartbeat", "bot", botID, "took", took)
	}

	return &HeartbeatResponse{
		ShouldLeave: view.status == domain.StatusLeaving,
		LogLevel:    view.logLevel,
		Status:      view.status,
	}, nil
}

type storeHeartbeatView struct {
	status   domain.BotStatus
	logLevel domain.LogLevel
}
