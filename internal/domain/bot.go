// Package domain defines the bot entity and the value types shared across
// the control plane: lifecycle statuses, meeting descriptors, automatic-leave
// timeouts, and the config projection sent to bot containers.
package domain

import (
	"encoding/json"
	"time"
)

const (
	// DefaultDisplayName is used when a bot is created without one.
	DefaultDisplayName = "Meeboter"

	// DefaultHeartbeatIntervalMS is the heartbeat cadence pushed to bots
	// that do not specify their own.
	DefaultHeartbeatIntervalMS = 10_000

	// MaxScreenshots bounds the screenshot history kept per bot. Older
	// entries are evicted first.
	MaxScreenshots = 50
)

// Lower bounds for automatic-leave timeouts. Values below the bound are
// silently raised; values above are preserved.
const (
	MinWaitingRoomTimeout  = 10 * time.Minute
	MinNoOneJoinedTimeout  = 60 * time.Second
	MinEveryoneLeftTimeout = 60 * time.Second
	MinInactivityTimeout   = 5 * time.Minute
)

// Meeting describes the conference a bot attaches to.
type Meeting struct {
	Platform    MeetingPlatform `json:"platform"`
	URL         string          `json:"meeting_url"`
	MeetingID   string          `json:"meeting_id,omitempty"`
	Password    string          `json:"meeting_password,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	OrganizerID string          `json:"organizer_id,omitempty"`
}

// AutomaticLeave holds the four timeouts after which a bot leaves a meeting
// on its own. All values are milliseconds.
type AutomaticLeave struct {
	WaitingRoomTimeoutMS  int64 `json:"waiting_room_timeout_ms"`
	NoOneJoinedTimeoutMS  int64 `json:"no_one_joined_timeout_ms"`
	EveryoneLeftTimeoutMS int64 `json:"everyone_left_timeout_ms"`
	InactivityTimeoutMS   int64 `json:"inactivity_timeout_ms"`
}

// Clamped returns a copy with every timeout raised to its lower bound.
// waitingRoomFloor overrides the waiting-room bound; zero means the default.
func (a AutomaticLeave) Clamped(waitingRoomFloor time.Duration) AutomaticLeave {
	if waitingRoomFloor <= 0 {
		waitingRoomFloor = MinWaitingRoomTimeout
	}
	out := a
	out.WaitingRoomTimeoutMS = clampMS(a.WaitingRoomTimeoutMS, waitingRoomFloor)
	out.NoOneJoinedTimeoutMS = clampMS(a.NoOneJoinedTimeoutMS, MinNoOneJoinedTimeout)
	out.EveryoneLeftTimeoutMS = clampMS(a.EveryoneLeftTimeoutMS, MinEveryoneLeftTimeout)
	out.InactivityTimeoutMS = clampMS(a.InactivityTimeoutMS, MinInactivityTimeout)
	return out
}

func clampMS(v int64, floor time.Duration) int64 {
	if min := floor.Milliseconds(); v < min {
		return min
	}
	return v
}

// Screenshot is one captured frame reported by a running bot.
type Screenshot struct {
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
	Note       string    `json:"note,omitempty"`
}

// Bot is the logical attachment of one automated participant to one meeting.
type Bot struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`

	Meeting Meeting `json:"meeting"`

	DisplayName      string `json:"display_name"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	RecordingEnabled bool   `json:"recording_enabled"`
	ChatEnabled      bool   `json:"chat_enabled"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`

	HeartbeatIntervalMS int64          `json:"heartbeat_interval_ms"`
	AutomaticLeave      AutomaticLeave `json:"automatic_leave"`
	WebhookURL          string         `json:"webhook_url,omitempty"`

	Status             BotStatus       `json:"status"`
	LastHeartbeatAt    *time.Time      `json:"last_heartbeat_at,omitempty"`
	LogLevel           LogLevel        `json:"log_level"`
	DeploymentPlatform string          `json:"deployment_platform,omitempty"`
	PlatformIdentifier string          `json:"platform_identifier,omitempty"`
	DeploymentError    string          `json:"deployment_error,omitempty"`
	RecordingURL       string          `json:"recording_url,omitempty"`
	SpeakerTimeline    json.RawMessage `json:"speaker_timeline,omitempty"`
	Screenshots        []Screenshot    `json:"screenshots,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BotConfig is the projection a bot container fetches at startup. It carries
// everything the in-meeting runtime needs and nothing else.
type BotConfig struct {
	ID                  int64           `json:"id"`
	Meeting             Meeting         `json:"meeting"`
	DisplayName         string          `json:"display_name"`
	AvatarURL           string          `json:"avatar_url,omitempty"`
	RecordingEnabled    bool            `json:"recording_enabled"`
	ChatEnabled         bool            `json:"chat_enabled"`
	HeartbeatIntervalMS int64           `json:"heartbeat_interval_ms"`
	AutomaticLeave      AutomaticLeave  `json:"automatic_leave"`
	LogLevel            LogLevel        `json:"log_level"`
}

// Config returns the container-facing projection of the bot.
func (b *Bot) Config() BotConfig {
	return BotConfig{
		ID:                  b.ID,
		Meeting:             b.Meeting,
		DisplayName:         b.DisplayName,
		AvatarURL:           b.AvatarURL,
		RecordingEnabled:    b.RecordingEnabled,
		ChatEnabled:         b.ChatEnabled,
		HeartbeatIntervalMS: b.HeartbeatIntervalMS,
		AutomaticLeave:      b.AutomaticLeave,
		LogLevel:            b.LogLevel,
	}
}

// Event is an observation produced by a running bot.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	BotID     int64           `json:"bot_id"`
	Kind      string          `json:"kind"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Well-known event kinds. LOG carries arbitrary payloads; the status kinds
// mirror bot lifecycle observations.
const (
	EventParticipantJoin  = "PARTICIPANT_JOIN"
	EventParticipantLeave = "PARTICIPANT_LEAVE"
	EventStatusChange     = "STATUS_CHANGE"
	EventLog              = "LOG"
)
