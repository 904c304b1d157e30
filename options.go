package admission

import (
	"errors"
	"net/http"
	"strconv"
)

// Logger is the interface used for logging inside the admission layer.
//
// Implement this interface to provide your own logging backend, or use one of
// the adapters under adapters/ (std log, slog, zap, zerolog, logrus).
//
// Example:
//
//	type MyLogger struct{}
//	func (l *MyLogger) Debugf(format string, args ...interface{}) { ... }
//	func (l *MyLogger) Infof(format string, args ...interface{})  { ... }
//	func (l *MyLogger) Warnf(format string, args ...interface{})  { ... }
//	func (l *MyLogger) Errorf(format string, args ...interface{}) { ... }
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

// ErrorExceeded is returned when a principal exceeds its quota.
//
// Users can use errors.Is(err, admission.ErrorExceeded) to detect
// this specific condition in a custom ErrorHandler.
var ErrorExceeded = errors.New("rate limit exceeded")

// ErrNoPrincipal is returned by a PrincipalFunc when the request carries no
// authenticated principal.
var ErrNoPrincipal = errors.New("no authenticated principal")

// PrincipalFunc extracts the pre-validated principal of a request.
//
// The default reads the principal stored in the request context by the
// authentication layer (see WithPrincipal).
type PrincipalFunc func(r *http.Request) (Principal, error)

// ErrorHandler handles a request that was denied by the admission controller.
//
// This allows custom responses, e.g., JSON bodies or extra headers.
//
// Example:
//
//	func myHandler(w http.ResponseWriter, r *http.Request, err error, d admission.Decision) {
//	    w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	}
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error, d Decision)

// Config holds all configurable options for the admission middleware.
//
// Users typically create a Config via NewConfig and provide functional options.
type Config struct {
	PrincipalFunc PrincipalFunc
	ErrorHandler  ErrorHandler
	Logger        Logger
}

// Option defines a functional option type for configuring the middleware.
//
// Example:
//
//	cfg := NewConfig(
//	    WithLogger(myLogger),
//	    WithPrincipalFunc(myPrincipalFunc),
//	)
type Option func(*Config)

// NewConfig creates a Config with default settings, then applies
// any provided functional options.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		PrincipalFunc: func(r *http.Request) (Principal, error) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				return Principal{}, ErrNoPrincipal
			}
			return p, nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error, d Decision) {
			w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		},
		Logger: &noopLogger{},
	}

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithPrincipalFunc returns an Option to set a custom PrincipalFunc.
//
// Example:
//
//	cfg := NewConfig(WithPrincipalFunc(myPrincipalFunc))
func WithPrincipalFunc(f PrincipalFunc) Option {
	return func(c *Config) {
		if f != nil {
			c.PrincipalFunc = f
		}
	}
}

// WithErrorHandler returns an Option to set a custom ErrorHandler.
//
// Example:
//
//	cfg := NewConfig(WithErrorHandler(myHandler))
func WithErrorHandler(f ErrorHandler) Option {
	return func(c *Config) {
		if f != nil {
			c.ErrorHandler = f
		}
	}
}

// WithLogger returns an Option to set a custom Logger.
//
// Example:
//
//	cfg := NewConfig(WithLogger(myLogger))
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// SetHeaders writes the standard rate limit headers for a metered decision.
//
// Headers written:
//   - X-RateLimit-Limit: effective limit of the tightest window
//   - X-RateLimit-Remaining: requests left in that window (never negative)
//   - X-RateLimit-Reset: Unix timestamp (seconds) when the window resets
//   - Retry-After: seconds to wait, only on denial
//
// Unmetered and failed-open decisions carry no headers.
func SetHeaders(h http.Header, d Decision) {
	if d.Unmetered() || d.FailedOpen {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.LimitApplied, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(0, d.Remaining), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt().Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
}

// noopLogger is a private default logger that does nothing.
type noopLogger struct{}

func (l *noopLogger) Debugf(format string, args ...interface{}) {}
func (l *noopLogger) Infof(format string, args ...interface{}) {}
func (l *noopLogger) Warnf(format string, args ...interface{}) {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}
