// Package monitor implements the abuse monitor: a periodic, read-only pass
// over quota records that aggregates violation signals, emits them as
// metrics and raises alerts when thresholds are breached.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/observability"
	"github.com/jassus213/go-admission/policy"
	"github.com/jassus213/go-admission/sink"
)

// ErrScanFailure is returned by RunPass when the quota store cannot be read.
var ErrScanFailure = errors.New("abuse monitor scan failed")

// ActiveUserWindow is how far back a principal counts as active.
const ActiveUserWindow = time.Hour

// Alert subjects.
const (
	SubjectHighVolume        = "high violation volume"
	SubjectAbusivePrincipals = "abusive principals"
	SubjectOverloaded        = "overloaded endpoints"
	SubjectMonitorError      = "abuse monitor error"
)

// Metric names.
const (
	MetricScannedRecords      = "monitor_scanned_records"
	MetricActiveUsers         = "monitor_active_users"
	MetricTotalViolations     = "monitor_total_violations"
	MetricPrincipalViolations = "monitor_principal_violations"
	MetricEndpointRequests    = "monitor_endpoint_requests"
	MetricEndpointViolations  = "monitor_endpoint_violations"
)

// Thresholds are the alert limits of a pass. Each alert fires when the value
// is strictly greater than its threshold.
type Thresholds struct {
	TotalViolations     int64
	PrincipalViolations int64
	EndpointViolations  int64
}

// DefaultThresholds returns the standard alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TotalViolations:     100,
		PrincipalViolations: 50,
		EndpointViolations:  200,
	}
}

// FindingKind scopes an abuse finding.
type FindingKind string

const (
	FindingGlobal    FindingKind = "global"
	FindingPrincipal FindingKind = "principal"
	FindingEndpoint  FindingKind = "endpoint"
)

// Finding is an aggregate abuse signal produced by one pass.
type Finding struct {
	Kind           FindingKind
	PrincipalID    string
	EndpointKey    string
	ViolationCount int64
	WindowStart    time.Time
	WindowEnd      time.Time
}

// PrincipalStat aggregates the records of one principal.
type PrincipalStat struct {
	PrincipalID string
	Role        policy.Role
	Requests    int64
	Violations  int64
}

// EndpointStat aggregates the records of one endpoint.
type EndpointStat struct {
	EndpointKey string
	Requests    int64
	Violations  int64
	Principals  int
}

// Report summarizes one monitor pass.
type Report struct {
	WindowStart     time.Time
	WindowEnd       time.Time
	ScannedRecords  int
	ActiveUsers     int
	TotalViolations int64
	// TopPrincipals holds the principals with the most violating records, most first.
	TopPrincipals []PrincipalStat
	// Endpoints holds every endpoint seen in the scan, ordered by key.
	Endpoints      []EndpointStat
	Findings       []Finding
	AlertsSent     int
	MetricFailures int
	AlertFailures  int
	Duration       time.Duration
}

// RoleResolver looks up the current role of a scanned principal.
type RoleResolver interface {
	ResolveRole(ctx context.Context, principalID string) (policy.Role, error)
}

// RoleResolverFunc adapts a function to RoleResolver.
type RoleResolverFunc func(ctx context.Context, principalID string) (policy.Role, error)

// ResolveRole calls f.
func (f RoleResolverFunc) ResolveRole(ctx context.Context, principalID string) (policy.Role, error) {
	return f(ctx, principalID)
}

// Monitor runs abuse detection passes. It only reads quota records.
type Monitor struct {
	scanner     admission.Scanner
	table       *policy.Table
	metrics     sink.MetricsSink
	alerts      sink.AlertSink
	logger      admission.Logger
	roles       RoleResolver
	thresholds  Thresholds
	topN        int
	scanTimeout time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l admission.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRoleResolver sets an external role lookup. Without one the role stored
// on each record is used.
func WithRoleResolver(r RoleResolver) Option {
	return func(m *Monitor) {
		m.roles = r
	}
}

// WithThresholds overrides the alert thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithTopN sets how many principals the report and metrics include.
func WithTopN(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.topN = n
		}
	}
}

// WithScanTimeout bounds the store scan.
func WithScanTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.scanTimeout = d
		}
	}
}

// New creates a Monitor. Nil sinks discard their output.
func New(scanner admission.Scanner, table *policy.Table, metrics sink.MetricsSink, alerts sink.AlertSink, opts ...Option) *Monitor {
	if metrics == nil {
		metrics = sink.NewLogMetrics(nil)
	}
	if alerts == nil {
		alerts = sink.NewLogAlerts(nil)
	}
	m := &Monitor{
		scanner:     scanner,
		table:       table,
		metrics:     metrics,
		alerts:      alerts,
		logger:      admission.NopLogger(),
		thresholds:  DefaultThresholds(),
		topN:        10,
		scanTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunPass scans the records active within lookback of now, aggregates them,
// emits metrics and raises alerts.
//
// Only a failed scan is returned as an error (wrapping ErrScanFailure); sink
// failures are logged and counted in the report.
func (m *Monitor) RunPass(ctx context.Context, now time.Time, lookback time.Duration) (Report, error) {
	start := time.Now()
	report := Report{
		WindowStart: now.Add(-lookback),
		WindowEnd:   now,
	}

	records, err := m.scan(ctx, report.WindowStart)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrScanFailure, err)
		m.logger.Errorf("Abuse monitor pass failed: %v", err)
		if alertErr := m.alerts.Notify(ctx, SubjectMonitorError, fmt.Sprintf(
			"The abuse monitor could not read quota records for the window %s to %s: %v",
			report.WindowStart.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), err,
		)); alertErr != nil {
			m.logger.Errorf("Failed to send monitor error alert: %v", alertErr)
			observability.SinkFailuresTotal.WithLabelValues("alert").Inc()
		}
		observability.MonitorPassesTotal.WithLabelValues("failed").Inc()
		report.Duration = time.Since(start)
		return report, err
	}

	agg := m.aggregate(ctx, records, now)
	report.ScannedRecords = len(records)
	report.ActiveUsers = agg.activeUsers
	report.TotalViolations = agg.totalViolations
	report.TopPrincipals = agg.topPrincipals(m.topN)
	report.Endpoints = agg.endpointStats()
	report.Findings = m.findings(&report, agg)

	m.emitMetrics(ctx, &report)
	m.raiseAlerts(ctx, &report, agg)

	report.Duration = time.Since(start)
	observability.MonitorPassesTotal.WithLabelValues("ok").Inc()
	observability.MonitorPassDuration.Observe(report.Duration.Seconds())

	m.logger.Infof(
		"Abuse monitor pass done: scanned=%d active=%d violations=%d alerts=%d in %s",
		report.ScannedRecords, report.ActiveUsers, report.TotalViolations, report.AlertsSent, report.Duration,
	)
	return report, nil
}

func (m *Monitor) scan(ctx context.Context, since time.Time) ([]admission.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.scanTimeout)
	defer cancel()
	return m.scanner.Scan(ctx, admission.ScanFilter{ActiveSinceMs: since.UnixMilli()})
}

// emitMetrics always attempts every data point, then closes the pass on sinks
// that keep series between passes.
func (m *Monitor) emitMetrics(ctx context.Context, r *Report) {
	emit := func(name string, value float64, tags map[string]string) {
		if err := m.metrics.Emit(ctx, name, value, tags); err != nil {
			r.MetricFailures++
			observability.SinkFailuresTotal.WithLabelValues("metrics").Inc()
			m.logger.Warnf("Failed to emit metric %s: %v", name, err)
		}
	}

	emit(MetricScannedRecords, float64(r.ScannedRecords), nil)
	emit(MetricActiveUsers, float64(r.ActiveUsers), nil)
	emit(MetricTotalViolations, float64(r.TotalViolations), nil)
	for _, p := range r.TopPrincipals {
		emit(MetricPrincipalViolations, float64(p.Violations), map[string]string{"principal": p.PrincipalID})
	}
	for _, e := range r.Endpoints {
		tags := map[string]string{"endpoint": e.EndpointKey}
		emit(MetricEndpointRequests, float64(e.Requests), tags)
		emit(MetricEndpointViolations, float64(e.Violations), tags)
	}

	if ps, ok := m.metrics.(sink.PassSink); ok {
		if err := ps.EndPass(ctx); err != nil {
			r.MetricFailures++
			observability.SinkFailuresTotal.WithLabelValues("metrics").Inc()
			m.logger.Warnf("Failed to end metrics pass: %v", err)
		}
	}
}

// findings lists every breached threshold.
func (m *Monitor) findings(r *Report, agg *aggregation) []Finding {
	var out []Finding
	if r.TotalViolations > m.thresholds.TotalViolations {
		out = append(out, Finding{
			Kind:           FindingGlobal,
			ViolationCount: r.TotalViolations,
			WindowStart:    r.WindowStart,
			WindowEnd:      r.WindowEnd,
		})
	}
	for _, p := range agg.principalsOver(m.thresholds.PrincipalViolations) {
		out = append(out, Finding{
			Kind:           FindingPrincipal,
			PrincipalID:    p.PrincipalID,
			ViolationCount: p.Violations,
			WindowStart:    r.WindowStart,
			WindowEnd:      r.WindowEnd,
		})
	}
	for _, e := range r.Endpoints {
		if e.Violations > m.thresholds.EndpointViolations {
			out = append(out, Finding{
				Kind:           FindingEndpoint,
				EndpointKey:    e.EndpointKey,
				ViolationCount: e.Violations,
				WindowStart:    r.WindowStart,
				WindowEnd:      r.WindowEnd,
			})
		}
	}
	return out
}

// raiseAlerts sends at most one alert per breached threshold kind.
// Delivery failures are not retried within the pass.
func (m *Monitor) raiseAlerts(ctx context.Context, r *Report, agg *aggregation) {
	var global, principals, endpoints []Finding
	for _, f := range r.Findings {
		switch f.Kind {
		case FindingGlobal:
			global = append(global, f)
		case FindingPrincipal:
			principals = append(principals, f)
		case FindingEndpoint:
			endpoints = append(endpoints, f)
		}
	}

	window := fmt.Sprintf("%s to %s", r.WindowStart.UTC().Format(time.RFC3339), r.WindowEnd.UTC().Format(time.RFC3339))

	if len(global) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "%d violating quota records in %s (threshold %d).\n",
			r.TotalViolations, window, m.thresholds.TotalViolations)
		writeTopPrincipals(&b, r.TopPrincipals)
		writeTopEndpoints(&b, agg.endpointsByViolations(m.topN))
		m.notify(ctx, r, SubjectHighVolume, b.String())
	}

	if len(principals) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "%d principals exceeded %d violations in %s:\n",
			len(principals), m.thresholds.PrincipalViolations, window)
		for _, f := range principals {
			fmt.Fprintf(&b, "  %s: %d\n", f.PrincipalID, f.ViolationCount)
		}
		m.notify(ctx, r, SubjectAbusivePrincipals, b.String())
	}

	if len(endpoints) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "%d endpoints exceeded %d violations in %s:\n",
			len(endpoints), m.thresholds.EndpointViolations, window)
		for _, f := range endpoints {
			fmt.Fprintf(&b, "  %s: %d\n", f.EndpointKey, f.ViolationCount)
		}
		writeTopPrincipals(&b, r.TopPrincipals)
		m.notify(ctx, r, SubjectOverloaded, b.String())
	}
}

func (m *Monitor) notify(ctx context.Context, r *Report, subject, body string) {
	if err := m.alerts.Notify(ctx, subject, body); err != nil {
		r.AlertFailures++
		observability.SinkFailuresTotal.WithLabelValues("alert").Inc()
		m.logger.Errorf("Failed to send alert %q: %v", subject, err)
		return
	}
	r.AlertsSent++
}

func writeTopPrincipals(b *strings.Builder, top []PrincipalStat) {
	if len(top) == 0 {
		return
	}
	b.WriteString("Top principals:\n")
	for _, p := range top {
		fmt.Fprintf(b, "  %s (%s): %d violations\n", p.PrincipalID, p.Role, p.Violations)
	}
}

func writeTopEndpoints(b *strings.Builder, top []EndpointStat) {
	if len(top) == 0 {
		return
	}
	b.WriteString("Top endpoints:\n")
	for _, e := range top {
		fmt.Fprintf(b, "  %s: %d violations, %d requests\n", e.EndpointKey, e.Violations, e.Requests)
	}
}

// sortPrincipals orders by violations descending, then by id.
func sortPrincipals(ps []PrincipalStat) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Violations != ps[j].Violations {
			return ps[i].Violations > ps[j].Violations
		}
		return ps[i].PrincipalID < ps[j].PrincipalID
	})
}
