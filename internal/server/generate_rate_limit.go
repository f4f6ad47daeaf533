package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/smallbiznis/slabworks/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slabworks/internal/observability/metrics"
	"github.com/smallbiznis/slabworks/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonTenantRate = "tenant-rate"

// GenerateRateLimit applies the per-tenant token bucket to job submission.
func (s *Server) GenerateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.generateLimiter.Enabled() {
			c.Next()
			return
		}

		tenantID, ok := tenantFromContext(c)
		if !ok {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		result, err := s.generateLimiter.AllowTenant(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("generate tenant rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyGenerateRateLimit(c, result, endpoint, tenantID, rateLimitReasonTenantRate, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, tenantID, s.obsMetrics)
		c.Next()
	}
}

func denyGenerateRateLimit(c *gin.Context, result *ratelimit.RateLimitResult, endpoint, tenantID, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	log.Warn("generate rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, tenantID, reason, metrics)

	c.Header("Retry-After", retryAfterSeconds(result))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, generationdomain.ErrRateLimited)
}

func retryAfterSeconds(result *ratelimit.RateLimitResult) string {
	if result == nil || result.RetryAfter <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds())))
}

func recordRateLimitAllowed(ctx context.Context, endpoint, tenantID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, tenantID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, tenantID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, tenantID, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	path := strings.TrimSpace(c.FullPath())
	if path == "" {
		path = strings.TrimSpace(c.Request.URL.Path)
	}
	return c.Request.Method + " " + path
}
