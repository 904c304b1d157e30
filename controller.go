package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jassus213/go-admission/observability"
	"github.com/jassus213/go-admission/policy"
)

const (
	// DefaultStoreTimeout bounds the store round-trips of a single check.
	DefaultStoreTimeout = 300 * time.Millisecond
	// DefaultMaxAttempts is the number of read-modify-write attempts before failing open.
	DefaultMaxAttempts = 3
)

// Controller is the per-request admission decision engine.
//
// It is safe for concurrent use. All shared state lives in the Store and is
// only changed through ConditionalPut; the controller never holds a lock
// across a store round-trip.
type Controller struct {
	store        Store
	table        *policy.Table
	logger       Logger
	now          func() time.Time
	storeTimeout time.Duration
	maxAttempts  int
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger used for fail-open and debug messages.
func WithControllerLogger(l Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStoreTimeout bounds the total time a check may spend on the store.
func WithStoreTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// WithMaxAttempts sets how many times a check is attempted when conditional
// writes keep conflicting.
func WithMaxAttempts(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewController creates a Controller over store using the policies in table.
//
// Example:
//
//	st := store.NewMemory(ctx, time.Minute)
//	ctrl := admission.NewController(st, policy.DefaultTable())
//	d := ctrl.Check(ctx, admission.Principal{ID: "u1", Role: policy.RoleUser}, "GET", "/media/42")
func NewController(store Store, table *policy.Table, opts ...ControllerOption) *Controller {
	if table == nil {
		table = policy.MustNewTable()
	}
	c := &Controller{
		store:        store,
		table:        table,
		logger:       &noopLogger{},
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
		maxAttempts:  DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the policy table the controller evaluates against.
func (c *Controller) Table() *policy.Table {
	return c.table
}

// Check decides whether principal may call method rawPath now.
//
// Check never returns an error: store failures and exhausted retries produce
// an allowed decision with FailedOpen set.
func (c *Controller) Check(ctx context.Context, principal Principal, method, rawPath string) Decision {
	return c.CheckAt(ctx, principal, method, rawPath, c.now())
}

// CheckAt is Check evaluated at an explicit point in time.
func (c *Controller) CheckAt(ctx context.Context, principal Principal, method, rawPath string, now time.Time) Decision {
	start := time.Now()

	pol, ok := c.table.Lookup(method, rawPath)
	if !ok {
		observability.DecisionsTotal.WithLabelValues("", observability.OutcomeUnmetered).Inc()
		return unmetered()
	}
	endpointKey := pol.Key()

	if principal.ID == "" {
		c.logger.Debugf("No principal id for %s, request is unmetered", endpointKey)
		observability.DecisionsTotal.WithLabelValues(endpointKey, observability.OutcomeUnmetered).Inc()
		d := unmetered()
		d.EndpointKey = endpointKey
		return d
	}

	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	limits := effectiveLimits(pol, principal.Role)
	key := RecordKey(principal.ID, endpointKey)
	nowMs := now.UnixMilli()

	var out outcome
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		out = c.attempt(ctx, principal, endpointKey, key, limits, nowMs)
		if out.kind != outcomeError || !errors.Is(out.err, ErrConflict) {
			break
		}
		if attempt < c.maxAttempts {
			observability.ConflictRetriesTotal.Inc()
			c.logger.Debugf("Conflict on '%s', retrying (attempt %d/%d)", key, attempt, c.maxAttempts)
		}
	}

	d := c.collapse(out, key, endpointKey)
	observability.CheckDuration.WithLabelValues(out.kind.String()).Observe(time.Since(start).Seconds())
	return d
}

// attempt runs one conditional read-modify-write cycle.
func (c *Controller) attempt(ctx context.Context, p Principal, endpointKey, key string, limits []windowLimit, nowMs int64) outcome {
	prev, err := c.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		prev = nil
	case err != nil:
		return outcome{kind: outcomeError, err: storeError("get", key, err)}
	}

	eval := evaluate(limits, prev, nowMs)
	if eval.denied {
		return outcome{kind: outcomeDeny, decision: eval.deny(endpointKey)}
	}

	next, d := eval.admit(prev, p, endpointKey)
	if err := c.store.ConditionalPut(ctx, next, next.Version); err != nil {
		return outcome{kind: outcomeError, err: storeError("put", key, err)}
	}
	return outcome{kind: outcomeAllow, decision: d}
}

// collapse is the single place where a failed outcome becomes an allowed decision.
func (c *Controller) collapse(o outcome, key, endpointKey string) Decision {
	switch o.kind {
	case outcomeAllow:
		observability.DecisionsTotal.WithLabelValues(endpointKey, observability.OutcomeAllowed).Inc()
		return o.decision
	case outcomeDeny:
		c.logger.Debugf(
			"Request denied for key '%s'. Limit: %d, retry after %dms",
			key, o.decision.LimitApplied, o.decision.RetryAfterMs,
		)
		observability.DecisionsTotal.WithLabelValues(endpointKey, observability.OutcomeDenied).Inc()
		return o.decision
	}

	c.logger.Errorf("Admission check failed open for key '%s': %v", key, o.err)
	observability.StoreErrorsTotal.WithLabelValues(errorReason(o.err)).Inc()
	observability.DecisionsTotal.WithLabelValues(endpointKey, observability.OutcomeFailedOpen).Inc()
	return Decision{
		Allowed:     true,
		Remaining:   -1,
		EndpointKey: endpointKey,
		FailedOpen:  true,
	}
}

type outcomeKind int

const (
	outcomeAllow outcomeKind = iota
	outcomeDeny
	outcomeError
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeAllow:
		return "allow"
	case outcomeDeny:
		return "deny"
	default:
		return "error"
	}
}

// outcome is the tagged result of one check attempt.
type outcome struct {
	kind     outcomeKind
	decision Decision
	err      error
}

func storeError(op, key string, err error) error {
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrStoreUnavailable, err)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}
