package api

import (
	"net/http"

	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"regatta-backend-go/internal/middleware"
)

// SetupRoutes registers the HTTP surface on the given engine.
func SetupRoutes(router *gin.Engine, authClient *auth.Client, userHandler *UserHandler, clientURL string, logger *zap.Logger) {
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(clientURL))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(authClient, logger))
	{
		users := v1.Group("/users")
		{
			users.POST("/initialize", userHandler.InitializeProfile)
			users.GET("", userHandler.ListUsers)
			users.GET("/search", userHandler.SearchUsers)

			users.GET("/me", userHandler.GetMe)
			users.PATCH("/me", userHandler.UpdateMe)
			users.DELETE("/me", userHandler.DeleteMe)
			users.PATCH("/me/preferences", userHandler.UpdatePreferences)
			users.PATCH("/me/profile", userHandler.UpdateProfileInfo)
			users.POST("/me/login", userHandler.RecordLogin)
			users.POST("/me/cleanup", userHandler.CleanupMyData)
			users.GET("/me/weather", userHandler.GetWeatherPreferences)
			users.PATCH("/me/weather", userHandler.UpdateWeatherPreferences)
		}
	}
}
