package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyOperator marks requests authenticated with the API key.
	ContextKeyOperator = "operator"
)

// RequireAPIKey is a middleware that requires the operator API key as a
// bearer token or X-API-Key header. An empty key disables the check.
func RequireAPIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				provided = strings.TrimPrefix(h, "Bearer ")
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set(ContextKeyOperator, true)
		c.Next()
	}
}

// IsOperator reports whether the request passed RequireAPIKey with a key configured.
func IsOperator(c *gin.Context) bool {
	return c.GetBool(ContextKeyOperator)
}
