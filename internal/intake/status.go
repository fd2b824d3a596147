package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meeboter/meeboter/internal/domain"
	"github.com/meeboter/meeboter/internal/logging"
)

// StatusReport is a lifecycle observation from the bot container.
type StatusReport struct {
	Status          domain.BotStatus `json:"status"`
	RecordingURL    string           `json:"recording_url,omitempty"`
	SpeakerTimeline json.RawMessage  `json:"speaker_timeline,omitempty"`
}

// UpdateStatus applies a status report. Terminal reports trigger the webhook
// and resource release exactly once: a repeated terminal report is accepted
// but has no side effects.
func (s *Service) UpdateStatus(ctx context.Context, botID int64, report StatusReport) error {
	if !report.Status.Valid() {
		return fmt.Errorf("unknown status %q", report.Status)
	}
	if report.Status == domain.StatusDone && report.RecordingURL == "" {
		bot, err := s.store.GetBot(ctx, botID)
		if err != nil {
			return err
		}
		if bot.RecordingEnabled && bot.RecordingURL == "" {
			return fmt.Errorf("recording is enabled but the DONE report carries no recording URL")
		}
	}

	res, err := s.store.CompleteStatusUpdate(ctx, botID, report.Status,
		report.RecordingURL, report.SpeakerTimeline)
	if err != nil {
		return err
	}
	log := logging.Bot(botID)
	if res.AlreadyTerminal {
		log.Debug("status report after terminal state ignored", "reported", report.Status)
		return nil
	}

	log.Info("bot status updated", "from", res.PreviousStatus, "to", report.Status)

	if !report.Status.Terminal() {
		return nil
	}

	if res.WebhookURL != "" {
		url, status := res.WebhookURL, report.Status
		s.spawner.Go("status-webhook", func(ctx context.Context) {
			s.deliverWebhook(ctx, url, botID, status)
		})
	}

	// Resources are released off the request path; the container is still
	// shutting itself down when this report arrives.
	if res.PlatformIdentifier != "" || res.DeploymentPlatform != "" {
		s.spawner.Go("release", func(ctx context.Context) {
			if err := s.releaser.Release(ctx, botID); err != nil {
				log.Error("post-terminal release failed", "error", err)
			}
		})
	}
	return nil
}

func (s *Service) deliverWebhook(ctx context.Context, url string, botID int64, status domain.BotStatus) {
	payload, err := json.Marshal(map[string]any{
		"botId":  botID,
		"status": status,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	log := logging.Bot(botID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Warn("webhook request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.webhooks.Do(req)
	if err != nil {
		log.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn("webhook delivery rejected", "url", url, "code", resp.StatusCode)
	}
}

// AddScreenshot stores a captured frame for the bot, keeping only the most
// recent history.
func (s *Service) AddScreenshot(ctx context.Context, botID int64, shot domain.Screenshot) error {
	if shot.CapturedAt.IsZero() {
		shot.CapturedAt = time.Now()
	}
	return s.store.AddScreenshot(ctx, botID, shot)
}
