// Package policy holds the static endpoint policy table used by the admission
// controller and the abuse monitor.
//
// A Table maps a request method and a normalized path to an EndpointPolicy.
// Each policy configures one or more fixed windows (burst, minute, hour, day)
// and a per-role multiplier applied to every window's base limit.
//
// The table is built once at startup and never mutated afterwards, so it is
// safe for concurrent use without locking.
//
// Example:
//
//	table, err := policy.NewTable(policy.EndpointPolicy{
//	    Method: "GET",
//	    Path:   "/media/{id}",
//	    Windows: []policy.Window{
//	        policy.NewWindow(policy.WindowMinute, 60),
//	    },
//	    RoleMultiplier: map[policy.Role]float64{policy.RoleAdmin: 5},
//	})
//	p, ok := table.Lookup("GET", "/media/abc-123")
package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Role is the authorization role of a principal.
type Role string

const (
	RoleUser       Role = "user"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// ParseRole converts s to a Role. Unknown values map to RoleUser and ok=false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleUser, false
	}
	return r, true
}

// WindowKind names a fixed window granularity.
type WindowKind string

const (
	WindowBurst  WindowKind = "burst"
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// DefaultSize returns the window size used when a policy does not set one.
func (k WindowKind) DefaultSize() time.Duration {
	switch k {
	case WindowBurst:
		return 10 * time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	}
	return 0
}

// Window is one fixed time bucket with its own limit.
type Window struct {
	Kind      WindowKind
	Size      time.Duration
	BaseLimit int64
}

// NewWindow returns a window of the given kind with its default size.
func NewWindow(kind WindowKind, baseLimit int64) Window {
	return Window{Kind: kind, Size: kind.DefaultSize(), BaseLimit: baseLimit}
}

// SizeMs returns the window size in milliseconds.
func (w Window) SizeMs() int64 {
	return w.Size.Milliseconds()
}

// Anchor returns the start of the window containing nowMs.
func (w Window) Anchor(nowMs int64) int64 {
	size := w.SizeMs()
	if size <= 0 {
		return nowMs
	}
	return (nowMs / size) * size
}

// EndpointPolicy is the immutable limit configuration of one endpoint.
type EndpointPolicy struct {
	Method         string
	Path           string
	Windows        []Window
	RoleMultiplier map[Role]float64
}

// Key returns the lookup key METHOD:normalizedPath.
func (p EndpointPolicy) Key() string {
	return EndpointKey(p.Method, p.Path)
}

// Multiplier returns the role multiplier, defaulting to 1.0.
func (p EndpointPolicy) Multiplier(role Role) float64 {
	if m, ok := p.RoleMultiplier[role]; ok {
		return m
	}
	return 1.0
}

// EffectiveLimit scales the window's base limit by the role multiplier.
func (p EndpointPolicy) EffectiveLimit(w Window, role Role) int64 {
	return int64(math.Round(float64(w.BaseLimit) * p.Multiplier(role)))
}

// Window returns the configured window of the given kind.
func (p EndpointPolicy) Window(kind WindowKind) (Window, bool) {
	for _, w := range p.Windows {
		if w.Kind == kind {
			return w, true
		}
	}
	return Window{}, false
}

// LargestWindow returns the window with the biggest size.
func (p EndpointPolicy) LargestWindow() Window {
	var largest Window
	for _, w := range p.Windows {
		if w.Size > largest.Size {
			largest = w
		}
	}
	return largest
}

func (p EndpointPolicy) validate() error {
	if p.Method == "" {
		return errors.New("method is required")
	}
	if len(p.Windows) == 0 {
		return errors.New("at least one window is required")
	}
	seen := make(map[WindowKind]bool, len(p.Windows))
	for _, w := range p.Windows {
		if w.Kind.DefaultSize() == 0 {
			return fmt.Errorf("unknown window kind %q", w.Kind)
		}
		if seen[w.Kind] {
			return fmt.Errorf("duplicate window kind %q", w.Kind)
		}
		seen[w.Kind] = true
		if w.SizeMs() <= 0 {
			return fmt.Errorf("window %q: size must be at least 1ms", w.Kind)
		}
		if w.BaseLimit < 0 {
			return fmt.Errorf("window %q: limit must not be negative", w.Kind)
		}
	}
	for role, m := range p.RoleMultiplier {
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", role)
		}
		if m < 0 {
			return fmt.Errorf("role %q: multiplier must not be negative", role)
		}
	}
	return nil
}

// EndpointKey builds the METHOD:path key used by the table and by quota records.
func EndpointKey(method, normalizedPath string) string {
	return strings.ToUpper(method) + ":" + normalizedPath
}

// Table is the read-only policy lookup table.
type Table struct {
	policies map[string]EndpointPolicy
}

// NewTable validates and indexes the given policies. Configured paths are
// normalized, so "/media/{id}" and "/media/*" refer to the same endpoint.
func NewTable(policies ...EndpointPolicy) (*Table, error) {
	t := &Table{policies: make(map[string]EndpointPolicy, len(policies))}
	for _, p := range policies {
		p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
		if !strings.HasPrefix(p.Path, "/") {
			return nil, fmt.Errorf("%w: %s %s: path must start with /", ErrInvalidPolicy, p.Method, p.Path)
		}
		p.Path = Normalize(p.Path)
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrInvalidPolicy, p.Method, p.Path, err)
		}
		// Copy so later mutation of the caller's slices cannot leak in.
		p.Windows = append([]Window(nil), p.Windows...)
		sort.SliceStable(p.Windows, func(i, j int) bool { return p.Windows[i].Size < p.Windows[j].Size })
		mult := make(map[Role]float64, len(p.RoleMultiplier))
		for r, m := range p.RoleMultiplier {
			mult[r] = m
		}
		p.RoleMultiplier = mult

		key := p.Key()
		if _, dup := t.policies[key]; dup {
			return nil, fmt.Errorf("%w: duplicate policy for %s", ErrInvalidPolicy, key)
		}
		t.policies[key] = p
	}
	return t, nil
}

// MustNewTable is NewTable that panics on error. Intended for static setup.
func MustNewTable(policies ...EndpointPolicy) *Table {
	t, err := NewTable(policies...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup normalizes rawPath and returns the matching policy.
func (t *Table) Lookup(method, rawPath string) (EndpointPolicy, bool) {
	return t.Get(EndpointKey(method, Normalize(rawPath)))
}

// Get returns the policy stored under an endpoint key.
func (t *Table) Get(endpointKey string) (EndpointPolicy, bool) {
	if t == nil {
		return EndpointPolicy{}, false
	}
	p, ok := t.policies[endpointKey]
	return p, ok
}

// Resolve is Lookup returning ErrPolicyNotFound for unconfigured routes.
func (t *Table) Resolve(method, rawPath string) (EndpointPolicy, error) {
	p, ok := t.Lookup(method, rawPath)
	if !ok {
		return EndpointPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, EndpointKey(method, Normalize(rawPath)))
	}
	return p, nil
}

// Len returns the number of configured endpoints.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.policies)
}

// Keys returns all endpoint keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, t.Len())
	if t == nil {
		return keys
	}
	for k := range t.policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	// ErrPolicyNotFound means no policy is configured for an endpoint.
	// The controller treats this as unmetered, not as a failure.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrInvalidPolicy is returned when a policy fails validation.
	ErrInvalidPolicy = errors.New("invalid policy")
)
