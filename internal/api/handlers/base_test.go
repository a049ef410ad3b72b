package handlers_test

import (
	"github.com/gin-gonic/gin"

	"github.com/coldwire/s2s/internal/api/handlers"
)

func setupTestRouter(h *handlers.Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/routes", h.Routes)

	return r
}
