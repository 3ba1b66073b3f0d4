package http

import (
	"github.com/gin-gonic/gin"

	"github.com/layer-3/talisman/service"
)

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService) *gin.Engine {
	router := gin.Default()

	handlers := NewAuthHandlers(authService)

	auth := router.Group("/wallet-auth")
	{
		auth.POST("/initiate", handlers.Initiate)
		auth.POST("/register-key", handlers.RegisterKey)
		auth.POST("/authenticate", handlers.Authenticate)
		auth.POST("/refresh", handlers.Refresh)
		auth.GET("/validate", handlers.Validate)
	}

	// Session management requires a valid session token.
	guarded := router.Group("/wallet-auth")
	guarded.Use(SessionGuard(authService))
	{
		guarded.POST("/revoke-keys", handlers.RevokeKeys)
		guarded.POST("/revoke-session", handlers.RevokeSession)
		guarded.GET("/keys", handlers.ListKeys)
		guarded.GET("/sessions", handlers.ListSessions)
	}

	return router
}
