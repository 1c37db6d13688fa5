package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userContextKey = "auth_user"

// AuthMiddleware validates X-API-Key on every request and stashes the
// resolved user in the gin context. Missing or bad keys are 401.
func AuthMiddleware(keys *APIKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
			return
		}
		user, err := keys.ValidateKey(key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Set(userContextKey, user)
		keys.RecordUsage(user, c.FullPath())
		c.Next()
	}
}

// RequirePermission enforces RBAC after authentication. Denials are 403.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		if !user.Role.HasPermission(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied", "required": perm})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) *User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*User)
	return user
}
