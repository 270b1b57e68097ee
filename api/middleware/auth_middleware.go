package middleware

import (
	"net/http"
	"strings"

	"github.com/anoixa/product-images/api/common"
	"github.com/anoixa/product-images/internal/auth"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/gin-gonic/gin"
)

const (
	ContextSubjectKey = "subject"
	ContextRoleKey    = "role"
)

// BearerAuth 校验 Bearer JWT，并把调用方写入请求上下文
func BearerAuth(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			common.RespondErrorAbort(c, http.StatusUnauthorized, "No Authorization request header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			common.RespondErrorAbort(c, http.StatusBadRequest, "Authorization field format error")
			return
		}
		if !strings.EqualFold(parts[0], "Bearer") {
			common.RespondErrorAbort(c, http.StatusUnauthorized, "Unsupported authentication scheme")
			return
		}

		if jwtService == nil {
			common.RespondErrorAbort(c, http.StatusInternalServerError, "JWT service not initialized")
			return
		}
		actor, err := jwtService.ExtractActor(strings.TrimSpace(parts[1]))
		if err != nil {
			common.RespondErrorAbort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		c.Set(ContextSubjectKey, actor.Subject)
		c.Set(ContextRoleKey, actor.Role)
		c.Request = c.Request.WithContext(authz.WithActor(c.Request.Context(), actor))

		c.Next()
	}
}
