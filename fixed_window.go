package admission

import (
	"github.com/jassus213/go-admission/policy"
)

// windowLimit pairs a configured window with the principal's effective limit.
type windowLimit struct {
	window policy.Window
	limit  int64
}

// effectiveLimits resolves every window of p for role.
func effectiveLimits(p policy.EndpointPolicy, role Role) []windowLimit {
	limits := make([]windowLimit, 0, len(p.Windows))
	for _, w := range p.Windows {
		limits = append(limits, windowLimit{window: w, limit: p.EffectiveLimit(w, role)})
	}
	return limits
}

// windowEval is the state of one window at the time of a check.
type windowEval struct {
	windowLimit
	anchor int64
	// count is the stored count, or 0 when the window rolled over.
	count int64
}

func (e windowEval) resetAtMs() int64 {
	return e.anchor + e.window.SizeMs()
}

// evaluation is the outcome of checking every window of a policy against a
// stored record. It is pure: it never touches the store.
type evaluation struct {
	nowMs   int64
	windows []windowEval

	denied   bool
	deniedBy windowEval
}

// evaluate implements the fixed window check for all windows at once.
//
// A window whose stored anchor differs from the current anchor has rolled
// over and counts as empty. The request is denied if any window would exceed
// its limit; the denying window reported is the one that resets first.
func evaluate(limits []windowLimit, rec *Record, nowMs int64) evaluation {
	e := evaluation{nowMs: nowMs, windows: make([]windowEval, 0, len(limits))}

	for _, wl := range limits {
		we := windowEval{windowLimit: wl, anchor: wl.window.Anchor(nowMs)}
		if rec != nil {
			if st, ok := rec.Windows[wl.window.Kind]; ok && st.Anchor == we.anchor {
				we.count = st.Count
			}
		}
		e.windows = append(e.windows, we)

		if we.count+1 > we.limit {
			if !e.denied || we.resetAtMs() < e.deniedBy.resetAtMs() {
				e.deniedBy = we
			}
			e.denied = true
		}
	}

	return e
}

// deny builds the decision for a denied evaluation.
func (e evaluation) deny(endpointKey string) Decision {
	return Decision{
		Allowed:      false,
		Remaining:    0,
		ResetAtMs:    e.deniedBy.resetAtMs(),
		RetryAfterMs: e.deniedBy.resetAtMs() - e.nowMs,
		LimitApplied: e.deniedBy.limit,
		EndpointKey:  endpointKey,
	}
}

// admit increments every window by one and returns the record to persist
// together with the decision to return once the write succeeds.
func (e evaluation) admit(prev *Record, p Principal, endpointKey string) (*Record, Decision) {
	next := &Record{
		Key:             RecordKey(p.ID, endpointKey),
		PrincipalID:     p.ID,
		EndpointKey:     endpointKey,
		Role:            p.Role,
		Windows:         make(map[policy.WindowKind]WindowState, len(e.windows)),
		LastRequestAtMs: e.nowMs,
	}
	if prev != nil {
		next.Version = prev.Version
	}

	d := Decision{Allowed: true, EndpointKey: endpointKey}
	var largest windowEval
	for i, we := range e.windows {
		count := we.count + 1
		next.Windows[we.window.Kind] = WindowState{Anchor: we.anchor, Count: count}

		remaining := we.limit - count
		if i == 0 || remaining < d.Remaining {
			d.Remaining = remaining
			d.LimitApplied = we.limit
		}
		if reset := we.resetAtMs(); reset > d.ResetAtMs {
			d.ResetAtMs = reset
		}
		if we.window.Size > largest.window.Size {
			largest = we
		}
	}

	next.TTLEpochSeconds = ttlEpochSeconds(largest)
	return next, d
}

// ttlEpochSeconds keeps a record two window widths past the end of its
// largest window, rounded up to a whole second.
func ttlEpochSeconds(largest windowEval) int64 {
	expiresMs := largest.anchor + 3*largest.window.SizeMs()
	return (expiresMs + 999) / 1000
}
