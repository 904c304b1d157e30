package monitor

import (
	"context"
	"sort"
	"time"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/policy"
)

type aggregation struct {
	activeUsers     int
	totalViolations int64
	principals      map[string]*PrincipalStat
	endpoints       map[string]*EndpointStat
}

// aggregate classifies every record and sums the per-principal and
// per-endpoint statistics.
func (m *Monitor) aggregate(ctx context.Context, records []admission.Record, now time.Time) *aggregation {
	agg := &aggregation{
		principals: make(map[string]*PrincipalStat),
		endpoints:  make(map[string]*EndpointStat),
	}
	activeSince := now.Add(-ActiveUserWindow).UnixMilli()
	active := make(map[string]struct{})
	endpointPrincipals := make(map[string]map[string]struct{})
	roles := make(map[string]policy.Role)

	for i := range records {
		rec := &records[i]

		if rec.LastRequestAtMs >= activeSince {
			active[rec.PrincipalID] = struct{}{}
		}

		role, ok := roles[rec.PrincipalID]
		if !ok {
			role = m.resolveRole(ctx, rec)
			roles[rec.PrincipalID] = role
		}

		pol, hasPolicy := m.table.Get(rec.EndpointKey)
		requests := largestWindowCount(rec, pol)
		violating := hasPolicy && isViolating(rec, pol, role)

		ps := agg.principals[rec.PrincipalID]
		if ps == nil {
			ps = &PrincipalStat{PrincipalID: rec.PrincipalID, Role: role}
			agg.principals[rec.PrincipalID] = ps
		}
		es := agg.endpoints[rec.EndpointKey]
		if es == nil {
			es = &EndpointStat{EndpointKey: rec.EndpointKey}
			agg.endpoints[rec.EndpointKey] = es
			endpointPrincipals[rec.EndpointKey] = make(map[string]struct{})
		}
		endpointPrincipals[rec.EndpointKey][rec.PrincipalID] = struct{}{}

		ps.Requests += requests
		es.Requests += requests
		if violating {
			agg.totalViolations++
			ps.Violations++
			es.Violations++
		}
	}

	agg.activeUsers = len(active)
	for key, set := range endpointPrincipals {
		agg.endpoints[key].Principals = len(set)
	}
	return agg
}

// resolveRole asks the configured resolver first, then falls back to the
// role stored on the record and finally to user.
func (m *Monitor) resolveRole(ctx context.Context, rec *admission.Record) policy.Role {
	if m.roles != nil {
		role, err := m.roles.ResolveRole(ctx, rec.PrincipalID)
		if err == nil && role.Valid() {
			return role
		}
		if err != nil {
			m.logger.Debugf("Could not resolve role of %s: %v", rec.PrincipalID, err)
		}
	}
	if rec.Role.Valid() {
		return rec.Role
	}
	return policy.RoleUser
}

// isViolating reports whether any stored window has used up its effective
// limit. Denied requests are never written, so a window sitting at its limit
// is all a record can show of them.
func isViolating(rec *admission.Record, pol policy.EndpointPolicy, role policy.Role) bool {
	for kind, st := range rec.Windows {
		w, ok := pol.Window(kind)
		if !ok || st.Count <= 0 {
			continue
		}
		if st.Count >= pol.EffectiveLimit(w, role) {
			return true
		}
	}
	return false
}

// largestWindowCount returns the count of the biggest window stored on the
// record, which is the best request estimate a record carries.
func largestWindowCount(rec *admission.Record, pol policy.EndpointPolicy) int64 {
	var (
		size  time.Duration
		count int64
	)
	for kind, st := range rec.Windows {
		s := kind.DefaultSize()
		if w, ok := pol.Window(kind); ok {
			s = w.Size
		}
		if s > size || (s == size && st.Count > count) {
			size, count = s, st.Count
		}
	}
	return count
}

func (a *aggregation) topPrincipals(n int) []PrincipalStat {
	out := a.principalsOver(0)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// principalsOver returns principals with more than threshold violations, most first.
func (a *aggregation) principalsOver(threshold int64) []PrincipalStat {
	out := make([]PrincipalStat, 0)
	for _, p := range a.principals {
		if p.Violations > threshold {
			out = append(out, *p)
		}
	}
	sortPrincipals(out)
	return out
}

func (a *aggregation) endpointStats() []EndpointStat {
	out := make([]EndpointStat, 0, len(a.endpoints))
	for _, e := range a.endpoints {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointKey < out[j].EndpointKey })
	return out
}

func (a *aggregation) endpointsByViolations(n int) []EndpointStat {
	out := make([]EndpointStat, 0, len(a.endpoints))
	for _, e := range a.endpoints {
		if e.Violations > 0 {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Violations != out[j].Violations {
			return out[i].Violations > out[j].Violations
		}
		return out[i].EndpointKey < out[j].EndpointKey
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
