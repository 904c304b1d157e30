// Package admission decides, per authenticated principal and per endpoint,
// whether an incoming API call may proceed.
//
// The package defines the core abstractions:
//   - Controller: the per-request admission decision engine (Check)
//   - Store / Scanner: backend contracts for persisted quota records (see package store)
//   - Decision: the outcome of a check, suitable for rate-limit response headers
//
// Limits come from a policy.Table. Every configured window of an endpoint is a
// fixed window; a request is admitted only when every window still has budget,
// and a denied request never consumes quota.
package admission

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/jassus213/go-admission/policy"
)

// Role is the authorization role of a principal.
type Role = policy.Role

// Principal is an authenticated caller identity, supplied by the auth layer.
type Principal struct {
	ID   string
	Role Role
}

// Decision contains the outcome of an admission check.
//
// It provides the data to populate `X-RateLimit-Limit`, `X-RateLimit-Remaining`,
// `X-RateLimit-Reset` and `Retry-After` response headers.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool
	// Remaining is the smallest remaining budget across windows, or -1 when unmetered.
	Remaining int64
	// ResetAtMs is the epoch millisecond at which the tightest window resets.
	ResetAtMs int64
	// RetryAfterMs is set on denial: how long until the denying window resets.
	RetryAfterMs int64
	// LimitApplied is the effective limit of the window that determined Remaining.
	LimitApplied int64
	// EndpointKey is METHOD:normalizedPath, empty when no policy matched.
	EndpointKey string
	// FailedOpen is true when the decision was forced to allow by a store failure.
	FailedOpen bool
}

// Unmetered reports whether no limits were applied to the request.
func (d Decision) Unmetered() bool {
	return d.Remaining < 0
}

// StatusCode returns the HTTP status a caller should map the decision to.
func (d Decision) StatusCode() int {
	if d.Allowed {
		return http.StatusOK
	}
	return http.StatusTooManyRequests
}

// RetryAfter returns RetryAfterMs as a duration.
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterMs) * time.Millisecond
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 on denial.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	secs := int64(math.Ceil(float64(d.RetryAfterMs) / 1000))
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// ResetAt returns ResetAtMs as a time.
func (d Decision) ResetAt() time.Time {
	return time.UnixMilli(d.ResetAtMs)
}

func unmetered() Decision {
	return Decision{Allowed: true, Remaining: -1}
}

// WindowState is the persisted counter of one window.
type WindowState struct {
	Anchor int64 `json:"anchor"`
	Count  int64 `json:"count"`
}

// Record is the persisted quota state of one principal on one endpoint.
//
// Records are created lazily, mutated only by the Controller through
// conditional writes and reclaimed by the store's TTL mechanism.
type Record struct {
	Key             string                            `json:"key"`
	PrincipalID     string                            `json:"principal_id"`
	EndpointKey     string                            `json:"endpoint_key"`
	Role            Role                              `json:"role"`
	Windows         map[policy.WindowKind]WindowState `json:"windows"`
	LastRequestAtMs int64                             `json:"last_request_at_ms"`
	TTLEpochSeconds int64                             `json:"ttl_epoch_seconds"`
	// Version is the compare-and-swap token. Zero means the record does not exist yet.
	Version int64 `json:"version"`
}

// RecordKey builds the store key for a principal and endpoint key.
func RecordKey(principalID, endpointKey string) string {
	return principalID + ":" + endpointKey
}

// Expired reports whether the record's TTL has passed at nowMs.
func (r *Record) Expired(nowMs int64) bool {
	return r.TTLEpochSeconds > 0 && r.TTLEpochSeconds*1000 <= nowMs
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Windows = make(map[policy.WindowKind]WindowState, len(r.Windows))
	for k, v := range r.Windows {
		c.Windows[k] = v
	}
	return &c
}

// Store defines the quota record operations used by the Controller.
//
// Implementations must make ConditionalPut atomic: the write succeeds only if
// the currently stored version equals expectedVersion (0 meaning "absent or
// expired"), after which the stored version is expectedVersion+1.
type Store interface {
	// Get returns the record for key, or ErrRecordNotFound when it is absent or expired.
	Get(ctx context.Context, key string) (*Record, error)

	// ConditionalPut writes rec if the stored version still equals expectedVersion.
	// It returns ErrConflict when another writer got there first. The record's
	// TTLEpochSeconds is the expiry hint for the backend.
	ConditionalPut(ctx context.Context, rec *Record, expectedVersion int64) error
}

// ScanFilter selects records for a Scan.
type ScanFilter struct {
	// ActiveSinceMs keeps records with LastRequestAtMs >= ActiveSinceMs. Backends push it down.
	ActiveSinceMs int64
	// Match is an optional predicate evaluated on every candidate record.
	Match func(*Record) bool
}

// Matches applies the filter to a record.
func (f ScanFilter) Matches(r *Record) bool {
	if r.LastRequestAtMs < f.ActiveSinceMs {
		return false
	}
	return f.Match == nil || f.Match(r)
}

// Scanner is the read-only view of a Store used by the abuse monitor.
type Scanner interface {
	Scan(ctx context.Context, filter ScanFilter) ([]Record, error)
}

var (
	// ErrRecordNotFound is returned by Store.Get for absent or expired records.
	ErrRecordNotFound = errors.New("quota record not found")
	// ErrConflict is returned by Store.ConditionalPut when the expected version is stale.
	ErrConflict = errors.New("quota record version conflict")
	// ErrStoreUnavailable wraps backend failures (timeouts, connection errors).
	ErrStoreUnavailable = errors.New("quota store unavailable")
)
