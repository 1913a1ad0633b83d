package middleware

import (
	"net/http"
	"strings"

	"aquachat/internal/services"
	"aquachat/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

const (
	CtxUserID   = "user_id"
	CtxTenantID = "tenant_id"
)

// AuthMiddleware verifies the Bearer credential and stashes the caller's
// identity in the gin context for the REST handlers.
func AuthMiddleware(identity services.IdentityAdapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := identity.Verify(extractBearer(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			c.Abort()
			return
		}

		c.Set(CtxUserID, ident.UserID)
		c.Set(CtxTenantID, ident.TenantID)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
