package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/slabworks/internal/observability/context"
	"github.com/smallbiznis/slabworks/pkg/tenantctx"
)

const (
	HeaderTenant         = "X-Tenant-Id"
	HeaderUser           = "X-User-Id"
	HeaderIdempotencyKey = "Idempotency-Key"

	contextTenantIDKey = "tenant_id"
	contextUserIDKey   = "user_id"
)

// TenantContext resolves the caller identity set by the upstream gateway.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if tenantID == "" {
			AbortWithError(c, ErrTenantRequired)
			return
		}
		userID := strings.TrimSpace(c.GetHeader(HeaderUser))

		ctx := c.Request.Context()
		ctx = tenantctx.WithTenantID(ctx, tenantID)
		ctx = obscontext.WithTenantID(ctx, tenantID)
		if userID != "" {
			ctx = tenantctx.WithUserID(ctx, userID)
			ctx = obscontext.WithActor(ctx, "user", userID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Set(contextTenantIDKey, tenantID)
		if userID != "" {
			c.Set(contextUserIDKey, userID)
		}
		c.Next()
	}
}

func tenantFromContext(c *gin.Context) (string, bool) {
	return tenantctx.TenantID(c.Request.Context())
}

func userFromContext(c *gin.Context) string {
	userID, _ := tenantctx.UserID(c.Request.Context())
	return userID
}
