package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	admission "github.com/jassus213/go-admission"
	ginmw "github.com/jassus213/go-admission/middleware/gin"
	"github.com/jassus213/go-admission/policy"
)

// Headers set by the authenticating proxy in front of admissiond.
const (
	headerPrincipalID    = "X-Principal-ID"
	headerPrincipalRole  = "X-Principal-Role"
	headerForwardedVerb  = "X-Forwarded-Method"
	headerForwardedURI   = "X-Forwarded-Uri"
	healthcheckTimeout   = 2 * time.Second
	maxCheckRequestBytes = 4 << 10
)

type healthChecker interface {
	Healthcheck(ctx context.Context) error
}

type server struct {
	ctrl    *admission.Controller
	store   quotaStore
	monitor healthChecker // nil when the monitor is disabled
	logger  admission.Logger
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/policies", s.handlePolicies)
	v1.POST("/check", s.handleCheck)

	// Forward-auth: a proxy asks whether the original request may proceed.
	authz := v1.Group("/authorize", forwardedRequest(), ginmw.RateLimiter(s.ctrl,
		admission.WithLogger(s.logger),
		admission.WithPrincipalFunc(principalFromHeaders),
	))
	authz.Any("", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	return r
}

// principalFromHeaders trusts the identity headers of the authenticating proxy.
// An unknown role is treated as user.
func principalFromHeaders(r *http.Request) (admission.Principal, error) {
	id := r.Header.Get(headerPrincipalID)
	if id == "" {
		return admission.Principal{}, admission.ErrNoPrincipal
	}
	role, ok := policy.ParseRole(r.Header.Get(headerPrincipalRole))
	if !ok {
		role = policy.RoleUser
	}
	return admission.Principal{ID: id, Role: role}, nil
}

// forwardedRequest replaces the method and path with the ones of the request
// being authorized.
func forwardedRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		uri := c.GetHeader(headerForwardedURI)
		if uri == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": headerForwardedURI + " header is required"})
			return
		}
		if m := c.GetHeader(headerForwardedVerb); m != "" {
			c.Request.Method = m
		}
		c.Request.URL.Path = policy.Normalize(uri)
		c.Next()
	}
}

type checkRequest struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	Method      string `json:"method" binding:"required"`
	Path        string `json:"path" binding:"required"`
}

type checkResponse struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        int64  `json:"limit,omitempty"`
	ResetAtMs    int64  `json:"reset_at_ms,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	EndpointKey  string `json:"endpoint_key,omitempty"`
	FailedOpen   bool   `json:"failed_open,omitempty"`
}

// handleCheck answers an admission check for callers that cannot use the
// middleware. The response status is always 200; Allowed carries the verdict.
func (s *server) handleCheck(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCheckRequestBytes)

	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, ok := policy.ParseRole(req.Role)
	if !ok {
		role = policy.RoleUser
	}

	d := s.ctrl.Check(c.Request.Context(), admission.Principal{ID: req.PrincipalID, Role: role}, req.Method, req.Path)
	admission.SetHeaders(c.Writer.Header(), d)
	c.JSON(http.StatusOK, checkResponse{
		Allowed:      d.Allowed,
		Remaining:    d.Remaining,
		Limit:        d.LimitApplied,
		ResetAtMs:    d.ResetAtMs,
		RetryAfterMs: d.RetryAfterMs,
		EndpointKey:  d.EndpointKey,
		FailedOpen:   d.FailedOpen,
	})
}

func (s *server) handlePolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": s.ctrl.Table().Keys()})
}

func (s *server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthcheckTimeout)
	defer cancel()

	var errs []error
	if err := s.store.Ping(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.monitor != nil {
		if err := s.monitor.Healthcheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warnf("Healthcheck failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
