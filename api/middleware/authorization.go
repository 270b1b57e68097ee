package middleware

import (
	"net/http"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/gin-gonic/gin"
)

// RequireCapability 检查调用方是否具有指定能力
func RequireCapability(capability authz.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := authz.FromContext(c.Request.Context())
		if !ok {
			common.RespondErrorAbort(c, http.StatusForbidden, "Access denied. Not authenticated.")
			return
		}
		if !actor.Has(capability) {
			common.RespondErrorAbort(c, http.StatusForbidden, "Access denied. Missing capability: "+string(capability))
			return
		}
		c.Next()
	}
}

// RequireRole 检查调用方是否具有指定的角色
func RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roleVal, exists := c.Get(ContextRoleKey)
		if !exists {
			common.RespondErrorAbort(c, http.StatusForbidden, "Access denied. Role information not found.")
			return
		}

		role, ok := roleVal.(string)
		if !ok {
			common.RespondErrorAbort(c, http.StatusInternalServerError, "Internal error: invalid role type in context.")
			return
		}

		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}

		common.RespondErrorAbort(c, http.StatusForbidden, "Access denied. You do not have the required role to access this resource.")
	}
}
