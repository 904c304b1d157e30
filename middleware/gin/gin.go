package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	admission "github.com/jassus213/go-admission"
)

// RateLimiter creates a new Gin middleware handler.
//
// It uses the provided Controller to decide whether the authenticated principal
// may call the matched endpoint. The behavior of the middleware can be
// customized by passing functional options, such as changing how the principal
// is found (WithPrincipalFunc) or how denials are rendered (WithErrorHandler).
//
// The raw request path is used for the policy lookup, not the gin route
// template, so policies stay independent of the router.
//
// Example:
//
//	ctrl := admission.NewController(store, policy.DefaultTable())
//	router := gin.Default()
//	router.Use(authMiddleware)
//	// Apply middleware globally
//	router.Use(gin.RateLimiter(ctrl))
func RateLimiter(ctrl *admission.Controller, options ...admission.Option) gin.HandlerFunc {
	cfg := admission.NewConfig(options...)

	return func(c *gin.Context) {
		p, err := cfg.PrincipalFunc(c.Request)
		if err != nil {
			cfg.Logger.Debugf("Rejecting %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		d := ctrl.Check(c.Request.Context(), p, c.Request.Method, c.Request.URL.Path)
		admission.SetHeaders(c.Writer.Header(), d)

		if !d.Allowed {
			cfg.Logger.Debugf(
				"Request denied for '%s' on %s. Limit: %d, retry after %dms",
				p.ID, d.EndpointKey, d.LimitApplied, d.RetryAfterMs,
			)
			cfg.ErrorHandler(c.Writer, c.Request, admission.ErrorExceeded, d)
			c.Abort()
			return
		}

		cfg.Logger.Debugf(
			"Request allowed for '%s' on %s. Remaining: %d, Limit: %d",
			p.ID, d.EndpointKey, d.Remaining, d.LimitApplied,
		)

		c.Next()
	}
}
