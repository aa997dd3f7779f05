package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Logger provides a structured logger instance configured for the application
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger with the specified level
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithConsoleWriter(level, os.Stderr)
}

// NewLoggerWithConsoleWriter builds a logger that writes console output to
// the given writer and mirrors every record to the relay log file.
func NewLoggerWithConsoleWriter(level LogLevel, consoleWriter io.Writer) *Logger {
	slogLevel, err := ParseLevel(string(level))
	if err != nil {
		slogLevel = LevelMessage
	}

	if consoleWriter == nil {
		consoleWriter = os.Stderr
	}
	consoleHandler := newPlainHandler(consoleWriter, slogLevel)
	fileHandler := newFileTextHandler(slogLevel)

	return &Logger{Logger: slog.New(newMultiHandler(consoleHandler, fileHandler))}
}

// NewConsoleLogger builds a logger without the file mirror. Tests use it
// with a buffer.
func NewConsoleLogger(level LogLevel, w io.Writer) *Logger {
	slogLevel, err := ParseLevel(string(level))
	if err != nil {
		slogLevel = LevelMessage
	}
	return &Logger{Logger: slog.New(newPlainHandler(w, slogLevel))}
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelError + 1}))}
}

// WithComponent creates a logger with a component context. Nested calls
// build a dotted namespace on the console.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With("component", component),
	}
}

// Verbose logs at the verbose level.
func (l *Logger) Verbose(msg string, args ...any) {
	l.Log(context.Background(), LevelVerbose, msg, args...)
}

// Message logs at the message level.
func (l *Logger) Message(msg string, args ...any) {
	l.Log(context.Background(), LevelMessage, msg, args...)
}

// Warning logs at the warning level.
func (l *Logger) Warning(msg string, args ...any) {
	l.Log(context.Background(), LevelWarning, msg, args...)
}

// Default logger instance - single instance for the entire application
var Default = NewDiscardLogger()

// NewComponentLogger creates a new logger for a specific component
func NewComponentLogger(component string) *Logger {
	return Default.WithComponent(component)
}

// SetGlobalLoggerWithConsoleWriter replaces the global Default logger using the provided console writer
func SetGlobalLoggerWithConsoleWriter(level LogLevel, consoleWriter io.Writer) {
	Default = NewLoggerWithConsoleWriter(level, consoleWriter)
}

// LogFilePath returns ~/.klein/logs/relay.log.
func LogFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".klein", "logs", "relay.log")
}

// newFileTextHandler opens the relay log for append and returns a slog text
// handler, or nil when the file cannot be opened.
func newFileTextHandler(level slog.Level) slog.Handler {
	path := LogFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
			case slog.LevelKey:
				if lv, ok := a.Value.Any().(slog.Level); ok {
					return slog.Attr{Key: "level", Value: slog.StringValue(levelName(lv))}
				}
			}
			return a
		},
	}
	return slog.NewTextHandler(f, opts)
}
