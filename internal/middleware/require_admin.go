package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAdmin only lets through clients whose token carries scope.
func RequireAdmin(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClientClaims(c)
		if !ok || claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing client claims"})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin scope required"})
			return
		}
		c.Next()
	}
}
