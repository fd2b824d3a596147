package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meeboter/meeboter/internal/domain"
)

const botColumns = `id, user_id, meeting_platform, meeting_url, meeting_id, meeting_password,
	tenant_id, organizer_id, display_name, avatar_url, recording_enabled, chat_enabled,
	start_time, end_time, timezone, heartbeat_interval_ms, automatic_leave, webhook_url,
	status, last_heartbeat_at, log_level, deployment_platform, platform_identifier,
	deployment_error, recording_url, speaker_timeline, screenshots, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*domain.Bot, error) {
	b := &domain.Bot{}
	var leaveJSON, shotsJSON []byte
	var timeline []byte
	err := row.Scan(
		&b.ID, &b.UserID, &b.Meeting.Platform, &b.Meeting.URL, &b.Meeting.MeetingID,
		&b.Meeting.Password, &b.Meeting.TenantID, &b.Meeting.OrganizerID,
		&b.DisplayName, &b.AvatarURL, &b.RecordingEnabled, &b.ChatEnabled,
		&b.StartTime, &b.EndTime, &b.Timezone, &b.HeartbeatIntervalMS,
		&leaveJSON, &b.WebhookURL, &b.Status, &b.LastHeartbeatAt, &b.LogLevel,
		&b.DeploymentPlatform, &b.PlatformIdentifier, &b.DeploymentError,
		&b.RecordingURL, &timeline, &shotsJSON, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(leaveJSON) > 0 {
		if err := json.Unmarshal(leaveJSON, &b.AutomaticLeave); err != nil {
			return nil, fmt.Errorf("unmarshal automatic_leave: %w", err)
		}
	}
	if len(shotsJSON) > 0 {
		if err := json.Unmarshal(shotsJSON, &b.Screenshots); err != nil {
			return nil, fmt.Errorf("unmarshal screenshots: %w", err)
		}
	}
	b.SpeakerTimeline = timeline
	return b, nil
}

// CreateBot inserts a new bot row and returns it with its assigned id.
func (s *Store) CreateBot(ctx context.Context, b *domain.Bot) (*domain.Bot, error) {
	leaveJSON, err := json.Marshal(b.AutomaticLeave)
	if err != nil {
		return nil, fmt.Errorf("marshal automatic_leave: %w", err)
	}

	created, err := scanBot(s.pool.QueryRow(ctx, `
		INSERT INTO bots (user_id, meeting_platform, meeting_url, meeting_id, meeting_password,
			tenant_id, organizer_id, display_name, avatar_url, recording_enabled, chat_enabled,
			start_time, end_time, timezone, heartbeat_interval_ms, automatic_leave, webhook_url,
			status, log_level)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING `+botColumns,
		b.UserID, b.Meeting.Platform, b.Meeting.URL, b.Meeting.MeetingID, b.Meeting.Password,
		b.Meeting.TenantID, b.Meeting.OrganizerID, b.DisplayName, b.AvatarURL,
		b.RecordingEnabled, b.ChatEnabled, b.StartTime, b.EndTime, b.Timezone,
		b.HeartbeatIntervalMS, leaveJSON, b.WebhookURL, domain.StatusReadyToDeploy, b.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("insert bot: %w", err)
	}
	return created, nil
}

// GetBot loads a bot by id.
func (s *Store) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	b, err := scanBot(s.pool.QueryRow(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	return b, nil
}

// GetBotForUser loads a bot by id scoped to its owner. A bot owned by a
// different user reads as not found, on purpose.
func (s *Store) GetBotForUser(ctx context.Context, id, userID int64) (*domain.Bot, error) {
	b, err := scanBot(s.pool.QueryRow(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	return b, nil
}

// ListBots returns one page of a user's bots, newest first.
func (s *Store) ListBots(ctx context.Context, userID int64, page, pageSize int) ([]*domain.Bot, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+botColumns+` FROM bots WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BotPatch carries the user-mutable bot fields for updateBot.
type BotPatch struct {
	DisplayName         *string                `json:"display_name,omitempty"`
	AvatarURL           *string                `json:"avatar_url,omitempty"`
	RecordingEnabled    *bool                  `json:"recording_enabled,omitempty"`
	ChatEnabled         *bool                  `json:"chat_enabled,omitempty"`
	StartTime           *time.Time             `json:"start_time,omitempty"`
	EndTime             *time.Time             `json:"end_time,omitempty"`
	Timezone            *string                `json:"timezone,omitempty"`
	HeartbeatIntervalMS *int64                 `json:"heartbeat_interval_ms,omitempty"`
	AutomaticLeave      *domain.AutomaticLeave `json:"automatic_leave,omitempty"`
	WebhookURL          *string                `json:"webhook_url,omitempty"`
}

// UpdateBot applies a patch to a user's bot and returns the updated row.
func (s *Store) UpdateBot(ctx context.Context, id, userID int64, patch *BotPatch) (*domain.Bot, error) {
	existing, err := s.GetBotForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if patch.DisplayName != nil {
		existing.DisplayName = *patch.DisplayName
	}
	if patch.AvatarURL != nil {
		existing.AvatarURL = *patch.AvatarURL
	}
	if patch.RecordingEnabled != nil {
		existing.RecordingEnabled = *patch.RecordingEnabled
	}
	if patch.ChatEnabled != nil {
		existing.ChatEnabled = *patch.ChatEnabled
	}
	if patch.StartTime != nil {
		existing.StartTime = patch.StartTime
	}
	if patch.EndTime != nil {
		existing.EndTime = patch.EndTime
	}
	if patch.Timezone != nil {
		existing.Timezone = *patch.Timezone
	}
	if patch.HeartbeatIntervalMS != nil {
		existing.HeartbeatIntervalMS = *patch.HeartbeatIntervalMS
	}
	if patch.AutomaticLeave != nil {
		existing.AutomaticLeave = *patch.AutomaticLeave
	}
	if patch.WebhookURL != nil {
		existing.WebhookURL = *patch.WebhookURL
	}

	leaveJSON, err := json.Marshal(existing.AutomaticLeave)
	if err != nil {
		return nil, fmt.Errorf("marshal automatic_leave: %w", err)
	}

	updated, err := scanBot(s.pool.QueryRow(ctx, `
		UPDATE bots SET display_name=$1, avatar_url=$2, recording_enabled=$3, chat_enabled=$4,
			start_time=$5, end_time=$6, timezone=$7, heartbeat_interval_ms=$8,
			automatic_leave=$9, webhook_url=$10, updated_at=NOW()
		WHERE id=$11 AND user_id=$12
		RETURNING `+botColumns,
		existing.DisplayName, existing.AvatarURL, existing.RecordingEnabled, existing.ChatEnabled,
		existing.StartTime, existing.EndTime, existing.Timezone, existing.HeartbeatIntervalMS,
		leaveJSON, existing.WebhookURL, id, userID))
	if err != nil {
		return nil, fmt.Errorf("update bot %d: %w", id, err)
	}
	return updated, nil
}

// DeleteBot removes a user's bot. The foreign key from pool_slots rejects
// deleting a bot that still holds a slot.
func (s *Store) DeleteBot(ctx context.Context, id, userID int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete bot %d: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return nil
}

// TransitionStatus moves a bot from one of the given statuses to another.
// Returns false when the bot was not in any of the from statuses, which
// makes concurrent transition attempts race-free.
func (s *Store) TransitionStatus(ctx context.Context, botID int64, from []domain.BotStatus, to domain.BotStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE bots SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status = ANY($3)`,
		botID, to, fromStrs)
	if err != nil {
		return false, fmt.Errorf("transition bot %d to %s: %w", botID, to, err)
	}
	return ct.RowsAffected() > 0, nil
}

// MarkBotFatal forces a bot to FATAL with a human-readable reason. Terminal
// bots are left untouched; the return value reports whether the row changed.
func (s *Store) MarkBotFatal(ctx context.Context, botID int64, reason string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE bots SET status=$2, deployment_error=$3, updated_at=NOW()
		WHERE id=$1 AND status NOT IN ($4, $5)`,
		botID, domain.StatusFatal, reason, domain.StatusDone, domain.StatusFatal)
	if err != nil {
		return false, fmt.Errorf("mark bot %d fatal: %w", botID, err)
	}
	return ct.RowsAffected() > 0, nil
}

// SetPlacement persists the deployment platform and opaque identifier chosen
// by the router.
func (s *Store) SetPlacement(ctx context.Context, botID int64, platform, identifier string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE bots SET deployment_platform=$2, platform_identifier=$3, updated_at=NOW()
		WHERE id=$1`,
		botID, platform, identifier)
	if err != nil {
		return fmt.Errorf("set placement for bot %d: %w", botID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, botID)
	}
	return nil
}

// SetBotQueued marks a non-terminal bot as waiting for capacity.
func (s *Store) SetBotQueued(ctx context.Context, botID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bots SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status NOT IN ($3, $4)`,
		botID, domain.StatusQueued, domain.StatusDone, domain.StatusFatal)
	if err != nil {
		return fmt.Errorf("mark bot %d queued: %w", botID, err)
	}
	return nil
}

// HeartbeatView is the minimal read served on the heartbeat fast path.
type HeartbeatView struct {
	Status   domain.BotStatus
	LogLevel domain.LogLevel
}

// GetHeartbeatView reads only the fields the heartbeat response needs.
func (s *Store) GetHeartbeatView(ctx context.Context, botID int64) (*HeartbeatView, error) {
	v := &HeartbeatView{}
	err := s.pool.QueryRow(ctx,
		`SELECT status, log_level FROM bots WHERE id = $1`, botID).
		Scan(&v.Status, &v.LogLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat view for bot %d: %w", botID, err)
	}
	return v, nil
}

// TouchHeartbeat records the heartbeat arrival time.
func (s *Store) TouchHeartbeat(ctx context.Context, botID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE bots SET last_heartbeat_at=$2 WHERE id=$1`, botID, at)
	if err != nil {
		return fmt.Errorf("touch heartbeat for bot %d: %w", botID, err)
	}
	return nil
}

// SetLogLevel changes the log level pushed to the bot on its next heartbeat.
func (s *Store) SetLogLevel(ctx context.Context, botID int64, level domain.LogLevel) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE bots SET log_level=$2, updated_at=NOW() WHERE id=$1`, botID, level)
	if err != nil {
		return fmt.Errorf("set log level for bot %d: %w", botID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, botID)
	}
	return nil
}

// StatusUpdateResult reports what the terminal-status transaction observed.
type StatusUpdateResult struct {
	PreviousStatus     domain.BotStatus
	AlreadyTerminal    bool
	WebhookURL         string
	DeploymentPlatform string
	PlatformIdentifier string
}

// CompleteStatusUpdate applies a status report from the bot container in one
// transaction. When the new status is DONE, recording is enabled, and no
// recording URL is supplied, the update fails with ErrPreconditionFailed.
// Reporting a terminal status twice is idempotent: the second report returns
// AlreadyTerminal=true and leaves the row unchanged.
func (s *Store) CompleteStatusUpdate(ctx context.Context, botID int64, status domain.BotStatus, recordingURL string, speakerTimeline json.RawMessage) (*StatusUpdateResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	res := &StatusUpdateResult{}
	var recordingEnabled bool
	err = tx.QueryRow(ctx, `
		SELECT status, recording_enabled, webhook_url, deployment_platform, platform_identifier
		FROM bots WHERE id = $1 FOR UPDATE`, botID).
		Scan(&res.PreviousStatus, &recordingEnabled, &res.WebhookURL,
			&res.DeploymentPlatform, &res.PlatformIdentifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("read bot %d for status update: %w", botID, err)
	}

	if res.PreviousStatus.Terminal() {
		res.AlreadyTerminal = true
		return res, tx.Commit(ctx)
	}

	if status == domain.StatusDone && recordingEnabled && recordingURL == "" {
		return nil, fmt.Errorf("%w: recording enabled but no recording supplied on DONE", ErrPreconditionFailed)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bots SET status=$2,
			recording_url = CASE WHEN $3 <> '' THEN $3 ELSE recording_url END,
			speaker_timeline = COALESCE($4, speaker_timeline),
			updated_at=NOW()
		WHERE id=$1`,
		botID, status, recordingURL, speakerTimeline); err != nil {
		return nil, fmt.Errorf("apply status update for bot %d: %w", botID, err)
	}

	return res, tx.Commit(ctx)
}

// AddScreenshot appends a screenshot, evicting the oldest entries beyond the
// per-bot bound.
func (s *Store) AddScreenshot(ctx context.Context, botID int64, shot domain.Screenshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add screenshot: %w", err)
	}
	defer tx.Rollback(ctx)

	var shotsJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT screenshots FROM bots WHERE id = $1 FOR UPDATE`, botID).Scan(&shotsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrBotNotFound, botID)
	}
	if err != nil {
		return fmt.Errorf("read screenshots for bot %d: %w", botID, err)
	}

	var shots []domain.Screenshot
	if len(shotsJSON) > 0 {
		if err := json.Unmarshal(shotsJSON, &shots); err != nil {
			return fmt.Errorf("unmarshal screenshots: %w", err)
		}
	}
	shots = append(shots, shot)
	if len(shots) > domain.MaxScreenshots {
		shots = shots[len(shots)-domain.MaxScreenshots:]
	}

	out, err := json.Marshal(shots)
	if err != nil {
		return fmt.Errorf("marshal screenshots: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE bots SET screenshots=$2, updated_at=NOW() WHERE id=$1`, botID, out); err != nil {
		return fmt.Errorf("write screenshots for bot %d: %w", botID, err)
	}
	return tx.Commit(ctx)
}

// ActiveBotCount counts bots in an active status on the given platform.
// The router consults this on every placement; it is deliberately a database
// query, not a cache.
func (s *Store) ActiveBotCount(ctx context.Context, platform string) (int, error) {
	statuses := make([]string, len(domain.ActiveStatuses))
	for i, st := range domain.ActiveStatuses {
		statuses[i] = string(st)
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bots
		WHERE deployment_platform = $1 AND status = ANY($2)`,
		platform, statuses).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active bot count for %s: %w", platform, err)
	}
	return n, nil
}

// TotalActiveBotCount counts bots in an active status across all platforms.
func (s *Store) TotalActiveBotCount(ctx context.Context) (int, error) {
	statuses := make([]string, len(domain.ActiveStatuses))
	for i, st := range domain.ActiveStatuses {
		statuses[i] = string(st)
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bots WHERE status = ANY($1)`, statuses).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("total active bot count: %w", err)
	}
	return n, nil
}

// ListDueScheduledBots returns bots whose scheduled start enters the deploy
// window. The caller's conditional status transition dedupes concurrent
// pollers.
func (s *Store) ListDueScheduledBots(ctx context.Context, window time.Duration, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM bots
		WHERE status = $1 AND start_time IS NOT NULL AND start_time <= NOW() + $2::interval
		ORDER BY start_time ASC LIMIT $3`,
		domain.StatusReadyToDeploy, window.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled bots: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scheduled bot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HeartbeatTimeoutMode distinguishes why the heartbeat monitor flagged a bot.
type HeartbeatTimeoutMode string

const (
	TimeoutStaleHeartbeat  HeartbeatTimeoutMode = "stale_heartbeat"
	TimeoutDeployStale     HeartbeatTimeoutMode = "deploy_stale"
	TimeoutDeployNoContact HeartbeatTimeoutMode = "deploy_no_contact"
)

// HeartbeatTimeout pairs a flagged bot with the rule that caught it.
type HeartbeatTimeout struct {
	Bot  *domain.Bot
	Mode HeartbeatTimeoutMode
}

// ListHeartbeatTimeouts finds bots whose containers have stopped calling
// home: in-call bots silent for staleAfter, deploying bots silent for
// staleAfter, and deploying bots that never reported within createdGrace.
func (s *Store) ListHeartbeatTimeouts(ctx context.Context, staleAfter, createdGrace time.Duration) ([]HeartbeatTimeout, error) {
	inCall := []string{
		string(domain.StatusJoiningCall), string(domain.StatusInWaitingRoom),
		string(domain.StatusInCall), string(domain.StatusLeaving),
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+botColumns+` FROM bots
		WHERE (status = ANY($1) AND (last_heartbeat_at < NOW() - $2::interval OR last_heartbeat_at IS NULL))
		   OR (status = $3 AND last_heartbeat_at < NOW() - $2::interval)
		   OR (status = $3 AND last_heartbeat_at IS NULL AND created_at < NOW() - $4::interval)`,
		inCall, staleAfter.String(), domain.StatusDeploying, createdGrace.String())
	if err != nil {
		return nil, fmt.Errorf("list heartbeat timeouts: %w", err)
	}
	defer rows.Close()

	var out []HeartbeatTimeout
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan timed-out bot: %w", err)
		}
		mode := TimeoutStaleHeartbeat
		if b.Status == domain.StatusDeploying {
			if b.LastHeartbeatAt == nil {
				mode = TimeoutDeployNoContact
			} else {
				mode = TimeoutDeployStale
			}
		}
		out = append(out, HeartbeatTimeout{Bot: b, Mode: mode})
	}
	return out, rows.Err()
}
