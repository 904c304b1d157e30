package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	admission "github.com/jassus213/go-admission"
	stdlogadapter "github.com/jassus213/go-admission/adapters/log"
	logrusadapter "github.com/jassus213/go-admission/adapters/logrus"
	slogadapter "github.com/jassus213/go-admission/adapters/slog"
	zapadapter "github.com/jassus213/go-admission/adapters/zap"
	zerologadapter "github.com/jassus213/go-admission/adapters/zerolog"
	"github.com/jassus213/go-admission/config"
)

// newLogger builds the configured logging backend. The returned func flushes it.
func newLogger(cfg config.LogConfig) (admission.Logger, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.LogZap:
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, noop, fmt.Errorf("zap level: %w", err)
		}
		zcfg := zap.NewProductionConfig()
		if cfg.Development {
			zcfg = zap.NewDevelopmentConfig()
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
		zl, err := zcfg.Build()
		if err != nil {
			return nil, noop, fmt.Errorf("build zap logger: %w", err)
		}
		return zapadapter.New(zl), func() { _ = zl.Sync() }, nil

	case config.LogZerolog:
		lvl, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, noop, fmt.Errorf("zerolog level: %w", err)
		}
		zl := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
		if cfg.Development {
			zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		return zerologadapter.New(&zl), noop, nil

	case config.LogLogrus:
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, noop, fmt.Errorf("logrus level: %w", err)
		}
		ll := logrus.New()
		ll.SetLevel(lvl)
		if !cfg.Development {
			ll.SetFormatter(&logrus.JSONFormatter{})
		}
		return logrusadapter.New(ll), noop, nil

	case config.LogSlog:
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, noop, fmt.Errorf("slog level: %w", err)
		}
		opts := &slog.HandlerOptions{Level: lvl}
		var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
		if cfg.Development {
			h = slog.NewTextHandler(os.Stderr, opts)
		}
		return slogadapter.New(slog.New(h)), noop, nil

	default:
		lvl := stdlogadapter.LevelInfo
		switch cfg.Level {
		case "debug":
			lvl = stdlogadapter.LevelDebug
		case "warn":
			lvl = stdlogadapter.LevelWarn
		case "error":
			lvl = stdlogadapter.LevelError
		}
		return stdlogadapter.New(log.New(os.Stderr, "admissiond ", log.LstdFlags), stdlogadapter.WithLevel(lvl)), noop, nil
	}
}
