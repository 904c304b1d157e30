// Command admissiond serves admission checks over HTTP and runs the abuse
// monitor against the configured quota store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/config"
	"github.com/jassus213/go-admission/monitor"
	"github.com/jassus213/go-admission/policy"
	"github.com/jassus213/go-admission/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, flush, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorf("admissiond stopped: %v", err)
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger admission.Logger) error {
	table, err := loadPolicies(cfg.PolicyFile)
	if err != nil {
		return err
	}
	logger.Infof("Loaded %d endpoint policies", table.Len())

	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctrl := admission.NewController(st, table,
		admission.WithControllerLogger(logger),
		admission.WithStoreTimeout(cfg.Controller.StoreTimeout),
		admission.WithMaxAttempts(cfg.Controller.MaxAttempts),
	)

	srv := &server{ctrl: ctrl, store: st, logger: logger}
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Monitor.Enabled {
		alerts, err := newAlertSink(cfg.Alerts, logger)
		if err != nil {
			return err
		}
		metrics := sink.MultiMetrics(sink.NewPrometheus(prometheus.DefaultRegisterer), sink.NewLogMetrics(logger))

		mon := monitor.New(st, table, metrics, alerts,
			monitor.WithLogger(logger),
			monitor.WithThresholds(cfg.Monitor.Thresholds()),
			monitor.WithTopN(cfg.Monitor.TopN),
			monitor.WithScanTimeout(cfg.Monitor.ScanTimeout),
		)
		sched := monitor.NewScheduler(mon,
			monitor.WithInterval(cfg.Monitor.Interval),
			monitor.WithLookback(cfg.Monitor.Lookback),
			monitor.WithSchedulerLogger(logger),
			monitor.WithShutdownTimeout(cfg.ShutdownTimeout),
		)
		srv.monitor = sched
		g.Go(sched.Run(gctx))
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: cfg.ShutdownTimeout,
	}

	g.Go(func() error {
		logger.Infof("Starting server on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Infof("Shutting down server")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func loadPolicies(path string) (*policy.Table, error) {
	if path == "" {
		return policy.DefaultTable(), nil
	}
	table, err := policy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return table, nil
}

// newAlertSink fans alerts out to the log and every configured channel.
func newAlertSink(cfg config.AlertConfig, logger admission.Logger) (sink.AlertSink, error) {
	sinks := []sink.AlertSink{sink.NewLogAlerts(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, sink.NewWebhook(cfg.WebhookURL, sink.WithSource(cfg.WebhookSource)))
	}
	if cfg.PostmarkEnabled() {
		pm, err := sink.NewPostmark(cfg.Postmark())
		if err != nil {
			return nil, fmt.Errorf("postmark alerts: %w", err)
		}
		sinks = append(sinks, pm)
	}
	return sink.MultiAlert(sinks...), nil
}
