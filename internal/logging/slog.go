// Package logging holds the process-wide operational logger. Handlers log
// through logging.Op() so the output format and level can be swapped at
// startup without threading a logger through every constructor.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger for daemon/infrastructure logs.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Bot returns the operational logger scoped to one bot. Lifecycle events for
// a bot all carry the same attribute so they can be filtered together.
func Bot(id int64) *slog.Logger {
	return opLogger.Load().With("bot", id)
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string. The daemon accepts the
// same level names bots use, so TRACE maps to debug and FATAL to error.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "trace", "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error", "fatal":
		logLevel.Set(slog.LevelError)
	}
}
