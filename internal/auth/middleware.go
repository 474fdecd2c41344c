package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyPubkey is the gin context key for the authenticated pubkey.
const ContextKeyPubkey = "authPubkey"

// Middleware resolves credentials on every request and, when valid, stores
// the pubkey in the context. Requests without credentials pass through
// unauthenticated; RequireAuth gates the routes that need an identity.
func Middleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		pubkey, err := a.Authenticate(c.Request)
		if err == nil {
			c.Set(ContextKeyPubkey, pubkey)
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyPubkey) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// Pubkey returns the authenticated pubkey from the context, if any.
func Pubkey(c *gin.Context) string {
	return c.GetString(ContextKeyPubkey)
}
