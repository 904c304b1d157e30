package slogadapter

import (
	"context"
	"fmt"
	"log/slog"

	admission "github.com/jassus213/go-admission"
)

var _ admission.Logger = (*SlogLogger)(nil)

// SlogLogger implements admission.Logger on top of log/slog.
type SlogLogger struct {
	logger *slog.Logger
}

// New creates a new SlogLogger. If nil is passed, uses slog.Default().
// Records carry the attribute component=admission.
func New(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l.With(slog.String("component", "admission"))}
}

// Debugf logs a debug-level message
func (s *SlogLogger) Debugf(format string, args ...interface{}) {
	s.log(slog.LevelDebug, format, args...)
}

// Infof logs an info-level message
func (s *SlogLogger) Infof(format string, args ...interface{}) {
	s.log(slog.LevelInfo, format, args...)
}

// Warnf logs a warning-level message
func (s *SlogLogger) Warnf(format string, args ...interface{}) {
	s.log(slog.LevelWarn, format, args...)
}

// Errorf logs an error-level message
func (s *SlogLogger) Errorf(format string, args ...interface{}) {
	s.log(slog.LevelError, format, args...)
}

// log skips formatting when the level is disabled.
func (s *SlogLogger) log(lvl slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !s.logger.Enabled(ctx, lvl) {
		return
	}
	s.logger.Log(ctx, lvl, fmt.Sprintf(format, args...))
}
