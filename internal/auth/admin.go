// Package auth guards the operator routes with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylink/internal/logging"
)

// HeaderAdminSecret carries the operator secret.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set on the gin context once a request is authorized.
const ContextKeyAdmin = "admin"

// RequireAdmin rejects requests without the correct admin secret. An empty
// secret only passes in development, where every request is treated as an
// operator; config validation refuses an empty secret in production.
func RequireAdmin(secret string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if devMode {
				c.Set(ContextKeyAdmin, true)
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Operator routes are disabled: no admin secret configured",
			})
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing " + HeaderAdminSecret + " header",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logging.L(c.Request.Context()).Warn("admin secret mismatch",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether RequireAdmin authorized the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
