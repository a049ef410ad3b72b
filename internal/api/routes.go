package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/coldwire/s2s/internal/api/handlers"
	"github.com/coldwire/s2s/internal/api/middleware"
	"github.com/coldwire/s2s/internal/config"

	_ "github.com/coldwire/s2s/internal/api/docs"
)

// RegisterRoutes mounts every admin/debug endpoint on r. Every route here
// is read-only: this surface never mutates connector state.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	grp := r.Group("/api/v1")
	if cfg != nil && cfg.API.Key != "" {
		grp.Use(middleware.RequireAPIKey(cfg.API.Key))
	}

	grp.GET("/health", h.Health)
	grp.GET("/stats", h.Stats)
	grp.GET("/routes", h.Routes)
}
