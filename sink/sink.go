// Package sink holds the metric and alert outputs of the abuse monitor.
//
// Both interfaces are fire-and-forget from the caller's point of view: the
// monitor logs a failed delivery and moves on. Implementations:
//   - PrometheusSink: exposes emitted values as gauges
//   - LogMetrics, LogAlerts: write through an admission.Logger
//   - Webhook: POSTs alerts as JSON
//   - Postmark: e-mails alerts
//   - MultiMetrics, MultiAlert: fan out to several sinks
package sink

import (
	"context"
	"errors"
)

// ErrSinkFailure marks a metric or alert that could not be delivered.
var ErrSinkFailure = errors.New("sink delivery failed")

// MetricsSink accepts named numeric data points.
type MetricsSink interface {
	Emit(ctx context.Context, name string, value float64, tags map[string]string) error
}

// AlertSink accepts free-text notifications.
type AlertSink interface {
	Notify(ctx context.Context, subject, body string) error
}

// MetricsFunc adapts a function to MetricsSink.
type MetricsFunc func(ctx context.Context, name string, value float64, tags map[string]string) error

// Emit calls f.
func (f MetricsFunc) Emit(ctx context.Context, name string, value float64, tags map[string]string) error {
	return f(ctx, name, value, tags)
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(ctx context.Context, subject, body string) error

// Notify calls f.
func (f AlertFunc) Notify(ctx context.Context, subject, body string) error {
	return f(ctx, subject, body)
}

// PassSink is implemented by metrics sinks that keep series between monitor
// passes. The monitor calls EndPass after the last Emit of a successful pass;
// series that were not emitted during that pass are dropped.
type PassSink interface {
	MetricsSink
	EndPass(ctx context.Context) error
}

// MultiMetrics emits to every sink and joins the errors. EndPass is forwarded
// to the sinks that implement PassSink.
func MultiMetrics(sinks ...MetricsSink) PassSink {
	return multiMetrics(sinks)
}

type multiMetrics []MetricsSink

func (m multiMetrics) Emit(ctx context.Context, name string, value float64, tags map[string]string) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, name, value, tags); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiMetrics) EndPass(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if ps, ok := s.(PassSink); ok {
			if err := ps.EndPass(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MultiAlert notifies every sink and joins the errors. One failing sink does
// not stop delivery to the others.
func MultiAlert(sinks ...AlertSink) AlertSink {
	return AlertFunc(func(ctx context.Context, subject, body string) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Notify(ctx, subject, body); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
