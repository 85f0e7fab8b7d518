package auth

import (
	"io"
	"log"
	"os"
	"strings"
)

// Logger receives the module's log output. Messages are printf-style.
//
// Route it into an application logger by wrapping it:
//
//	type zapLogger struct{ s *zap.SugaredLogger }
//	func (l zapLogger) Info(msg string, args ...interface{}) { l.s.Infof(msg, args...) }
//	// Debug, Warn and Error likewise
//
//	cfg, err := auth.NewConfigBuilder().WithLogger(zapLogger{s}).Build()
//
// Warn is used for rejected requests and SECURITY: events; secrets are never
// passed in full.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Level is the minimum severity a leveled logger prints.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps debug, info, warn/warning and error to a Level. Anything
// else is LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// NewLogger returns a Logger printing to w at or above min.
func NewLogger(w io.Writer, min Level) Logger {
	return &leveledLogger{
		out: log.New(w, "", log.LstdFlags),
		min: min,
	}
}

// DefaultLogger logs to stderr, leaving stdout to the stdio transport. The
// threshold comes from LOG_LEVEL.
func DefaultLogger() Logger {
	return NewLogger(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")))
}

type leveledLogger struct {
	out *log.Logger
	min Level
}

func (l *leveledLogger) printf(level Level, tag, msg string, args ...interface{}) {
	if level < l.min {
		return
	}
	l.out.Printf(tag+" "+msg, args...)
}

func (l *leveledLogger) Debug(msg string, args ...interface{}) {
	l.printf(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *leveledLogger) Info(msg string, args ...interface{}) {
	l.printf(LevelInfo, "[INFO]", msg, args...)
}

func (l *leveledLogger) Warn(msg string, args ...interface{}) {
	l.printf(LevelWarn, "[WARN]", msg, args...)
}

func (l *leveledLogger) Error(msg string, args ...interface{}) {
	l.printf(LevelError, "[ERROR]", msg, args...)
}

// truncateString keeps the first maxLen bytes of a secret for log output.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
