package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/service"
)

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	handlers := NewAuthHandlers(authService)

	router.GET("/healthz", handlers.Health)

	auth := router.Group("/auth")
	{
		auth.POST("/begin", handlers.Begin)
		auth.POST("/complete", handlers.Complete)
	}

	sessions := router.Group("/sessions")
	{
		sessions.GET("/:address", handlers.Session)
		sessions.DELETE("/:address", handlers.Disconnect)
	}

	return router
}
