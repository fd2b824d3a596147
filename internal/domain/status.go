package domain

// BotStatus is the authoritative lifecycle state of a bot, shared by every
// deployment platform.
type BotStatus string

const (
	StatusReadyToDeploy BotStatus = "READY_TO_DEPLOY"
	StatusQueued        BotStatus = "QUEUED"
	StatusDeploying     BotStatus = "DEPLOYING"
	StatusJoiningCall   BotStatus = "JOINING_CALL"
	StatusInWaitingRoom BotStatus = "IN_WAITING_ROOM"
	StatusInCall        BotStatus = "IN_CALL"
	StatusLeaving       BotStatus = "LEAVING"
	StatusDone          BotStatus = "DONE"
	StatusFatal         BotStatus = "FATAL"
)

// ActiveStatuses are the states that count against a platform's capacity
// limit. A bot in one of these states owns a container (or is about to).
var ActiveStatuses = []BotStatus{
	StatusDeploying,
	StatusJoiningCall,
	StatusInWaitingRoom,
	StatusInCall,
	StatusLeaving,
}

// Terminal reports whether the status is absorbing. A terminal bot never
// re-enters an active state.
func (s BotStatus) Terminal() bool {
	return s == StatusDone || s == StatusFatal
}

// Active reports whether the status counts against platform capacity.
func (s BotStatus) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status spelling.
func (s BotStatus) Valid() bool {
	switch s {
	case StatusReadyToDeploy, StatusQueued, StatusDeploying, StatusJoiningCall,
		StatusInWaitingRoom, StatusInCall, StatusLeaving, StatusDone, StatusFatal:
		return true
	}
	return false
}

// MeetingPlatform identifies the video conference product a bot joins.
type MeetingPlatform string

const (
	MeetingZoom  MeetingPlatform = "zoom"
	MeetingTeams MeetingPlatform = "teams"
	MeetingMeet  MeetingPlatform = "meet"
)

// Valid reports whether p is one of the supported meeting platforms.
func (p MeetingPlatform) Valid() bool {
	switch p {
	case MeetingZoom, MeetingTeams, MeetingMeet:
		return true
	}
	return false
}

// LogLevel is the verbosity a bot container logs at. It is pushed to the
// container through heartbeat responses.
type LogLevel string

const (
	LogTrace LogLevel = "TRACE"
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
	LogFatal LogLevel = "FATAL"
)

// Valid reports whether l is a known log level spelling.
func (l LogLevel) Valid() bool {
	switch l {
	case LogTrace, LogDebug, LogInfo, LogWarn, LogError, LogFatal:
		return true
	}
	return false
}
