package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/monitor"
	"github.com/jassus213/go-admission/policy"
	"github.com/jassus213/go-admission/sink"
	"github.com/jassus213/go-admission/store"
)

var now = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type emitted struct {
	name  string
	value float64
	tags  map[string]string
}

type recordingMetrics struct {
	mu     sync.Mutex
	points []emitted
	err    error
}

func (r *recordingMetrics) Emit(_ context.Context, name string, value float64, tags map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, emitted{name: name, value: value, tags: tags})
	return r.err
}

func (r *recordingMetrics) value(name string, tags map[string]string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.points {
		if p.name == name && fmt.Sprint(p.tags) == fmt.Sprint(tags) {
			return p.value, true
		}
	}
	return 0, false
}

type alert struct {
	subject string
	body    string
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []alert
	err    error
}

func (r *recordingAlerts) Notify(_ context.Context, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert{subject: subject, body: body})
	return r.err
}

func (r *recordingAlerts) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.subject)
	}
	return out
}

func (r *recordingAlerts) body(subject string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.subject == subject {
			return a.body
		}
	}
	return ""
}

func mediaPolicy(path string) policy.EndpointPolicy {
	return policy.EndpointPolicy{
		Method:         "GET",
		Path:           path,
		Windows:        []policy.Window{policy.NewWindow(policy.WindowMinute, 60), policy.NewWindow(policy.WindowDay, 1000)},
		RoleMultiplier: map[policy.Role]float64{policy.RoleUser: 1, policy.RoleAdmin: 5},
	}
}

func newStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	return store.NewMemory(context.Background(), 0, store.WithMemoryClock(func() time.Time { return now }))
}

func seed(t *testing.T, st *store.MemoryStore, principal string, role policy.Role, endpoint string, minuteCount, dayCount int64, lastRequest time.Time) {
	t.Helper()
	rec := &admission.Record{
		Key:         admission.RecordKey(principal, endpoint),
		PrincipalID: principal,
		EndpointKey: endpoint,
		Role:        role,
		Windows: map[policy.WindowKind]admission.WindowState{
			policy.WindowMinute: {Anchor: lastRequest.Truncate(time.Minute).UnixMilli(), Count: minuteCount},
			policy.WindowDay:    {Anchor: lastRequest.Truncate(24 * time.Hour).UnixMilli(), Count: dayCount},
		},
		LastRequestAtMs: lastRequest.UnixMilli(),
		TTLEpochSeconds: now.Add(72 * time.Hour).Unix(),
	}
	require.NoError(t, st.ConditionalPut(context.Background(), rec, 0))
}

func TestRunPass_HighViolationVolume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		records   int
		wantAlert bool
	}{
		{name: "150 violating records", records: 150, wantAlert: true},
		{name: "60 violating records", records: 60, wantAlert: false},
		{name: "exactly at threshold", records: 100, wantAlert: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := newStore(t)
			for i := 0; i < tt.records; i++ {
				seed(t, st, fmt.Sprintf("user-%03d", i), policy.RoleUser, "GET:/media/*", 61, 61, now.Add(-time.Minute))
			}

			metrics := &recordingMetrics{}
			alerts := &recordingAlerts{}
			m := monitor.New(st, policy.MustNewTable(mediaPolicy("/media/{id}")), metrics, alerts)

			report, err := m.RunPass(context.Background(), now, 24*time.Hour)
			require.NoError(t, err)

			assert.Equal(t, int64(tt.records), report.TotalViolations)
			assert.Equal(t, tt.records, report.ScannedRecords)
			assert.Equal(t, tt.records, report.ActiveUsers)
			assert.NotContains(t, alerts.subjects(), monitor.SubjectMonitorError)
			if tt.wantAlert {
				assert.Contains(t, alerts.subjects(), monitor.SubjectHighVolume)
				assert.Contains(t, alerts.body(monitor.SubjectHighVolume), fmt.Sprintf("%d violating quota records", tt.records))
			} else {
				assert.NotContains(t, alerts.subjects(), monitor.SubjectHighVolume)
			}

			v, ok := metrics.value(monitor.MetricTotalViolations, nil)
			require.True(t, ok)
			assert.Equal(t, float64(tt.records), v)
		})
	}
}

func TestRunPass_AbusivePrincipal(t *testing.T) {
	t.Parallel()

	var policies []policy.EndpointPolicy
	for i := 0; i < 51; i++ {
		policies = append(policies, mediaPolicy(fmt.Sprintf("/feed/e%d", i)))
	}
	table := policy.MustNewTable(policies...)

	st := newStore(t)
	for i := 0; i < 51; i++ {
		seed(t, st, "abuser", policy.RoleUser, fmt.Sprintf("GET:/feed/e%d", i), 70, 70, now.Add(-10*time.Minute))
	}
	seed(t, st, "quiet", policy.RoleUser, "GET:/feed/e0", 5, 5, now.Add(-10*time.Minute))

	alerts := &recordingAlerts{}
	m := monitor.New(st, table, &recordingMetrics{}, alerts, monitor.WithTopN(1))

	report, err := m.RunPass(context.Background(), now, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int64(51), report.TotalViolations)
	require.Len(t, report.TopPrincipals, 1)
	assert.Equal(t, "abuser", report.TopPrincipals[0].PrincipalID)
	assert.Equal(t, int64(51), report.TopPrincipals[0].Violations)

	assert.Equal(t, []string{monitor.SubjectAbusivePrincipals}, alerts.subjects())
	assert.Contains(t, alerts.body(monitor.SubjectAbusivePrincipals), "abuser: 51")
	assert.Equal(t, 1, report.AlertsSent)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, monitor.FindingPrincipal, report.Findings[0].Kind)
	assert.Equal(t, "abuser", report.Findings[0].PrincipalID)
	assert.Equal(t, now.Add(-24*time.Hour), report.Findings[0].WindowStart)
	assert.Equal(t, now, report.Findings[0].WindowEnd)
}

func TestRunPass_OverloadedEndpoint(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	for i := 0; i < 201; i++ {
		seed(t, st, fmt.Sprintf("p%d", i), policy.RoleUser, "GET:/media/*", 61, 100, now.Add(-2*time.Hour))
	}

	alerts := &recordingAlerts{}
	m := monitor.New(st, policy.MustNewTable(mediaPolicy("/media/{id}")), &recordingMetrics{}, alerts)

	report, err := m.RunPass(context.Background(), now, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, report.ActiveUsers)
	assert.ElementsMatch(t, []string{monitor.SubjectHighVolume, monitor.SubjectOverloaded}, alerts.subjects())
	assert.Contains(t, alerts.body(monitor.SubjectOverloaded), "GET:/media/*: 201")
	assert.Equal(t, 2, report.AlertsSent)

	require.Len(t, report.Endpoints, 1)
	assert.Equal(t, int64(201), report.Endpoints[0].Violations)
	assert.Equal(t, int64(201*100), report.Endpoints[0].Requests)
	assert.Equal(t, 201, report.Endpoints[0].Principals)
}

func TestRunPass_RoleMultiplier(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	seed(t, st, "admin-by-record", policy.RoleAdmin, "GET:/media/*", 200, 200, now)
	seed(t, st, "admin-by-lookup", policy.RoleUser, "GET:/media/*", 200, 200, now)
	seed(t, st, "plain-user", policy.Role(""), "GET:/media/*", 61, 61, now)

	resolver := monitor.RoleResolverFunc(func(_ context.Context, id string) (policy.Role, error) {
		switch id {
		case "admin-by-lookup":
			return policy.RoleAdmin, nil
		case "plain-user":
			return "", errors.New("directory unavailable")
		}
		return "", nil
	})

	m := monitor.New(st, policy.MustNewTable(mediaPolicy("/media/{id}")), nil, nil, monitor.WithRoleResolver(resolver))
	report, err := m.RunPass(context.Background(), now, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.TotalViolations)
	require.Len(t, report.TopPrincipals, 1)
	assert.Equal(t, "plain-user", report.TopPrincipals[0].PrincipalID)
	assert.Equal(t, policy.RoleUser, report.TopPrincipals[0].Role)
}

func TestRunPass_LookbackAndActiveUsers(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	seed(t, st, "recent", policy.RoleUser, "GET:/media/*", 1, 1, now.Add(-30*time.Minute))
	seed(t, st, "earlier", policy.RoleUser, "GET:/media/*", 1, 1, now.Add(-5*time.Hour))
	seed(t, st, "stale", policy.RoleUser, "GET:/media/*", 99, 99, now.Add(-30*time.Hour))
	seed(t, st, "unknown-endpoint", policy.RoleUser, "GET:/gone", 500, 500, now.Add(-time.Minute))

	metrics := &recordingMetrics{}
	m := monitor.New(st, policy.MustNewTable(mediaPolicy("/media/{id}")), metrics, &recordingAlerts{})

	report, err := m.RunPass(context.Background(), now, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, report.ScannedRecords)
	assert.Equal(t, 2, report.ActiveUsers)
	assert.Zero(t, report.TotalViolations)
	assert.Empty(t, report.TopPrincipals)

	v, ok := metrics.value(monitor.MetricEndpointRequests, map[string]string{"endpoint": "GET:/gone"})
	require.True(t, ok)
	assert.Equal(t, float64(500), v)

	v, ok = metrics.value(monitor.MetricEndpointRequests, map[string]string{"endpoint": "GET:/media/*"})
	require.True(t, ok)
	assert.Equal(t, float64(2), v)

	_, ok = metrics.value(monitor.MetricActiveUsers, nil)
	assert.True(t, ok)
	_, ok = metrics.value(monitor.MetricScannedRecords, nil)
	assert.True(t, ok)
}

func TestRunPass_SinkFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	for i := 0; i < 101; i++ {
		seed(t, st, fmt.Sprintf("u%d", i), policy.RoleUser, "GET:/media/*", 61, 61, now)
	}

	metrics := &recordingMetrics{err: errors.New("metrics backend down")}
	alerts := &recordingAlerts{err: errors.New("smtp down")}
	m := monitor.New(st, policy.MustNewTable(mediaPolicy("/media/{id}")), metrics, alerts)

	report, err := m.RunPass(context.Background(), now, 24*time.Hour)
	require.NoError(t, err)

	// scanned, active, total, 10 principals, requests+violations for one endpoint
	assert.Equal(t, 3+10+2, report.MetricFailures)
	assert.Equal(t, 1, report.AlertFailures)
	assert.Zero(t, report.AlertsSent)
	assert.Equal(t, []string{monitor.SubjectHighVolume}, alerts.subjects())
}

type failingScanner struct{}

func (failingScanner) Scan(context.Context, admission.ScanFilter) ([]admission.Record, error) {
	return nil, admission.ErrStoreUnavailable
}

func TestRunPass_ScanFailure(t *testing.T) {
	t.Parallel()

	metrics := &recordingMetrics{}
	alerts := &recordingAlerts{}
	m := monitor.New(failingScanner{}, policy.DefaultTable(), metrics, alerts)

	report, err := m.RunPass(context.Background(), now, 24*time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrScanFailure)
	assert.ErrorIs(t, err, admission.ErrStoreUnavailable)

	assert.Equal(t, []string{monitor.SubjectMonitorError}, alerts.subjects())
	assert.Empty(t, metrics.points)
	assert.Equal(t, now, report.WindowEnd)
}

type slowScanner struct{}

func (slowScanner) Scan(ctx context.Context, _ admission.ScanFilter) ([]admission.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunPass_ScanTimeout(t *testing.T) {
	t.Parallel()

	m := monitor.New(slowScanner{}, policy.DefaultTable(), nil, nil, monitor.WithScanTimeout(10*time.Millisecond))
	_, err := m.RunPass(context.Background(), now, time.Hour)
	assert.ErrorIs(t, err, monitor.ErrScanFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunPass_ReadOnly(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	seed(t, st, "u1", policy.RoleUser, "GET:/media/*", 61, 61, now)
	before, err := st.Get(context.Background(), admission.RecordKey("u1", "GET:/media/*"))
	require.NoError(t, err)

	m := monitor.New(st, policy.MustNewTable(mediaPolicy("/media/{id}")), nil, nil)
	_, err = m.RunPass(context.Background(), now, time.Hour)
	require.NoError(t, err)

	after, err := st.Get(context.Background(), admission.RecordKey("u1", "GET:/media/*"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunPass_RecordsWrittenByController(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	table := policy.MustNewTable(mediaPolicy("/media/{id}"))
	ctrl := admission.NewController(st, table, admission.WithClock(func() time.Time { return now }))

	var denied int
	for i := 0; i < 150; i++ {
		p := admission.Principal{ID: fmt.Sprintf("hammer-%03d", i), Role: policy.RoleUser}
		for j := 0; j < 70; j++ {
			if !ctrl.CheckAt(ctx, p, "GET", "/media/1", now).Allowed {
				denied++
			}
		}
	}
	require.Equal(t, 150*10, denied)

	calm := admission.Principal{ID: "calm", Role: policy.RoleUser}
	for j := 0; j < 59; j++ {
		require.True(t, ctrl.CheckAt(ctx, calm, "GET", "/media/2", now).Allowed)
	}
	admin := admission.Principal{ID: "busy-admin", Role: policy.RoleAdmin}
	for j := 0; j < 100; j++ {
		require.True(t, ctrl.CheckAt(ctx, admin, "GET", "/media/3", now).Allowed)
	}

	alerts := &recordingAlerts{}
	m := monitor.New(st, table, &recordingMetrics{}, alerts)
	report, err := m.RunPass(ctx, now, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 152, report.ScannedRecords)
	assert.Equal(t, int64(150), report.TotalViolations)
	assert.Contains(t, alerts.subjects(), monitor.SubjectHighVolume)
	for _, p := range report.TopPrincipals {
		assert.NotEqual(t, "calm", p.PrincipalID)
		assert.NotEqual(t, "busy-admin", p.PrincipalID)
	}
}

type staticScanner struct {
	mu      sync.Mutex
	records []admission.Record
}

func (s *staticScanner) set(recs ...admission.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = recs
}

func (s *staticScanner) Scan(context.Context, admission.ScanFilter) ([]admission.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]admission.Record(nil), s.records...), nil
}

func violatingRecord(principal string) admission.Record {
	return admission.Record{
		Key:         admission.RecordKey(principal, "GET:/media/*"),
		PrincipalID: principal,
		EndpointKey: "GET:/media/*",
		Role:        policy.RoleUser,
		Windows: map[policy.WindowKind]admission.WindowState{
			policy.WindowMinute: {Anchor: now.Truncate(time.Minute).UnixMilli(), Count: 60},
		},
		LastRequestAtMs: now.UnixMilli(),
	}
}

func TestRunPass_PrometheusSeriesFollowLatestPass(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	scanner := &staticScanner{}
	m := monitor.New(scanner, policy.MustNewTable(mediaPolicy("/media/{id}")), sink.NewPrometheus(reg), nil)
	ctx := context.Background()

	scanner.set(violatingRecord("p1"))
	_, err := m.RunPass(ctx, now, time.Hour)
	require.NoError(t, err)

	scanner.set(violatingRecord("p2"))
	_, err = m.RunPass(ctx, now, time.Hour)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var principals []string
	for _, mf := range families {
		if mf.GetName() != "admission_"+monitor.MetricPrincipalViolations {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				principals = append(principals, lp.GetValue())
			}
		}
	}
	assert.Equal(t, []string{"p2"}, principals)
}
