package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/talisman/service"
)

const (
	ctxWalletAddress = "walletAddress"
	ctxPublicKey     = "publicKey"
)

// SessionGuard validates the Bearer session token on guarded routes. Every
// failure mode produces the same 401 so callers cannot probe which tokens
// exist.
func SessionGuard(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
			return
		}

		identity := authService.ValidateSession(c.Request.Context(), token)
		if identity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
			return
		}

		c.Set(ctxWalletAddress, identity.WalletAddress)
		c.Set(ctxPublicKey, identity.PublicKey)

		c.Next()
	}
}

// sessionWallet returns the wallet address the guard resolved for this
// request.
func sessionWallet(c *gin.Context) string {
	return c.GetString(ctxWalletAddress)
}
