package logger

import (
	"fmt"
	"log/slog"
	"strings"
)

// LogLevel is the configured name of a log level.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelVerbose LogLevel = "verbose"
	LogLevelMessage LogLevel = "message"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// slog levels for the relay's five-level taxonomy. Verbose sits between
// debug and info; message is plain info.
const (
	LevelDebug   = slog.LevelDebug
	LevelVerbose = slog.Level(-2)
	LevelMessage = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// ParseLevel maps a configured level name to its slog level. The slog
// names "info" and "warn" are accepted as aliases.
func ParseLevel(name string) (slog.Level, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(name))) {
	case LogLevelDebug:
		return LevelDebug, nil
	case LogLevelVerbose:
		return LevelVerbose, nil
	case LogLevelMessage, "info", "":
		return LevelMessage, nil
	case LogLevelWarning, "warn":
		return LevelWarning, nil
	case LogLevelError:
		return LevelError, nil
	}
	return LevelMessage, fmt.Errorf("unknown log level %q", name)
}

// levelName returns the taxonomy name for a slog level.
func levelName(l slog.Level) string {
	switch {
	case l >= LevelError:
		return string(LogLevelError)
	case l >= LevelWarning:
		return string(LogLevelWarning)
	case l >= LevelMessage:
		return string(LogLevelMessage)
	case l >= LevelVerbose:
		return string(LogLevelVerbose)
	default:
		return string(LogLevelDebug)
	}
}

// markerFor returns the console prefix for a level. Message lines carry no
// marker.
func markerFor(l slog.Level, color bool) string {
	var text, code string
	switch {
	case l >= LevelError:
		text, code = "error:", "31;1"
	case l >= LevelWarning:
		text, code = "warning:", "33"
	case l >= LevelMessage:
		return ""
	case l >= LevelVerbose:
		text, code = "verbose:", "36"
	default:
		text, code = "debug:", "90"
	}
	if !color {
		return text + " "
	}
	return "\x1b[" + code + "m" + text + "\x1b[0m "
}
