package zapadapter

import (
	"go.uber.org/zap"

	admission "github.com/jassus213/go-admission"
)

var _ admission.Logger = (*ZapLogger)(nil)

// ZapLogger is an adapter that implements the admission.Logger interface
// using a zap.SugaredLogger internally.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// New creates a new ZapLogger from a zap.Logger. Messages are logged under
// the "admission" logger name.
//
// If a nil logger is provided, it uses zap.NewNop() internally, which
// is a no-op logger that discards all messages.
//
// Example:
//
//	zapLogger := zapadapter.New(logger)
func New(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{logger: l.Named("admission").Sugar()}
}

// Debugf logs a debug-level message with formatting, compatible with
// admission.Logger interface.
//
// Example:
//
//	zapLogger.Debugf("Request allowed for '%s'", principalID)
func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debugf(format, args...)
}

// Infof logs an info-level message with formatting.
func (z *ZapLogger) Infof(format string, args ...interface{}) {
	z.logger.Infof(format, args...)
}

// Warnf logs a warning-level message with formatting.
func (z *ZapLogger) Warnf(format string, args ...interface{}) {
	z.logger.Warnf(format, args...)
}

// Errorf logs an error-level message with formatting, compatible with
// admission.Logger interface.
//
// Example:
//
//	zapLogger.Errorf("Quota store failed for key %s: %v", key, err)
func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.logger.Errorf(format, args...)
}
