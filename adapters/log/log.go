package stdlogadapter

import (
	"log"

	admission "github.com/jassus213/go-admission"
)

var _ admission.Logger = (*StdLogger)(nil)

// Level is the minimum severity a StdLogger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// StdLogger implements admission.Logger using Go standard library log
type StdLogger struct {
	logger *log.Logger
	level  Level
}

// Option configures a StdLogger.
type Option func(*StdLogger)

// WithLevel drops messages below lvl. The default writes everything.
func WithLevel(lvl Level) Option {
	return func(s *StdLogger) {
		s.level = lvl
	}
}

// New creates a new StdLogger. If nil is passed, uses the default logger.
func New(l *log.Logger, opts ...Option) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	s := &StdLogger{
		logger: l,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Debugf logs a debug-level message (same as Printf in std log)
func (s *StdLogger) Debugf(format string, args ...interface{}) {
	s.printf(LevelDebug, "[DEBUG] ", format, args...)
}

// Infof logs an info-level message
func (s *StdLogger) Infof(format string, args ...interface{}) {
	s.printf(LevelInfo, "[INFO] ", format, args...)
}

// Warnf logs a warning-level message
func (s *StdLogger) Warnf(format string, args ...interface{}) {
	s.printf(LevelWarn, "[WARN] ", format, args...)
}

// Errorf logs an error-level message
func (s *StdLogger) Errorf(format string, args ...interface{}) {
	s.printf(LevelError, "[ERROR] ", format, args...)
}

func (s *StdLogger) printf(lvl Level, prefix, format string, args ...interface{}) {
	if lvl < s.level {
		return
	}
	s.logger.Printf(prefix+format, args...)
}
