package nethttp

import (
	"net/http"

	admission "github.com/jassus213/go-admission"
)

// Middleware creates a new middleware handler for the standard `net/http` library.
//
// It wraps an existing `http.Handler` and asks the provided Controller whether
// the authenticated principal may call the requested endpoint. Metered decisions
// add the standard `X-RateLimit-*` headers to the response. Requests without a
// principal are rejected with 401. The behavior can be customized using
// functional options.
//
// Example:
//
//	ctrl := admission.NewController(store, policy.DefaultTable())
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", myHandler)
//
//	admissionMiddleware := nethttp.Middleware(ctrl)
//	http.ListenAndServe(":8080", authMiddleware(admissionMiddleware(mux)))
func Middleware(ctrl *admission.Controller, options ...admission.Option) func(http.Handler) http.Handler {
	cfg := admission.NewConfig(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := cfg.PrincipalFunc(r)
			if err != nil {
				cfg.Logger.Debugf("Rejecting %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			d := ctrl.Check(r.Context(), p, r.Method, r.URL.Path)
			admission.SetHeaders(w.Header(), d)

			if !d.Allowed {
				cfg.Logger.Debugf(
					"Request denied for '%s' on %s. Limit: %d, retry after %dms",
					p.ID, d.EndpointKey, d.LimitApplied, d.RetryAfterMs,
				)
				cfg.ErrorHandler(w, r, admission.ErrorExceeded, d)
				return
			}

			cfg.Logger.Debugf(
				"Request allowed for '%s' on %s. Remaining: %d, Limit: %d",
				p.ID, d.EndpointKey, d.Remaining, d.LimitApplied,
			)
			next.ServeHTTP(w, r)
		})
	}
}
