package nethttp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/middleware/nethttp"
	"github.com/jassus213/go-admission/policy"
	"github.com/jassus213/go-admission/store"
)

func newController(t *testing.T, st admission.Store) *admission.Controller {
	t.Helper()
	table := policy.MustNewTable(policy.EndpointPolicy{
		Method:  "GET",
		Path:    "/media/{id}",
		Windows: []policy.Window{policy.NewWindow(policy.WindowDay, 2)},
	})
	return admission.NewController(st, table)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, path string, p *admission.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if p != nil {
		req = req.WithContext(admission.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	st := store.NewMemory(context.Background(), 0)
	h := nethttp.Middleware(newController(t, st))(okHandler())
	user := &admission.Principal{ID: "u-1", Role: policy.RoleUser}

	rec := serve(h, http.MethodGet, "/media/1", user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	rec = serve(h, http.MethodGet, "/media/2", user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = serve(h, http.MethodGet, "/media/3", user)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	other := &admission.Principal{ID: "u-2", Role: policy.RoleUser}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/media/3", other).Code)
}

func TestMiddleware_Unmetered(t *testing.T) {
	t.Parallel()

	h := nethttp.Middleware(newController(t, store.NewMemory(context.Background(), 0)))(okHandler())
	user := &admission.Principal{ID: "u-1", Role: policy.RoleUser}

	for i := 0; i < 5; i++ {
		rec := serve(h, http.MethodGet, "/health", user)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_NoPrincipal(t *testing.T) {
	t.Parallel()

	h := nethttp.Middleware(newController(t, store.NewMemory(context.Background(), 0)))(okHandler())
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/media/1", nil).Code)
}

func TestMiddleware_CustomOptions(t *testing.T) {
	t.Parallel()

	var denied admission.Decision
	h := nethttp.Middleware(
		newController(t, store.NewMemory(context.Background(), 0)),
		admission.WithPrincipalFunc(func(r *http.Request) (admission.Principal, error) {
			return admission.Principal{ID: r.Header.Get("X-User"), Role: policy.RoleUser}, nil
		}),
		admission.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error, d admission.Decision) {
			assert.ErrorIs(t, err, admission.ErrorExceeded)
			denied = d
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	)(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/media/9", nil)
		req.Header.Set("X-User", "header-user")
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusServiceUnavailable, last.Code)
	assert.False(t, denied.Allowed)
	assert.Equal(t, "GET:/media/*", denied.EndpointKey)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*admission.Record, error) {
	return nil, admission.ErrStoreUnavailable
}

func (brokenStore) ConditionalPut(context.Context, *admission.Record, int64) error {
	return admission.ErrStoreUnavailable
}

func TestMiddleware_FailOpen(t *testing.T) {
	t.Parallel()

	h := nethttp.Middleware(newController(t, brokenStore{}))(okHandler())
	user := &admission.Principal{ID: "u-1", Role: policy.RoleUser}

	for i := 0; i < 3; i++ {
		rec := serve(h, http.MethodGet, "/media/1", user)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
}
