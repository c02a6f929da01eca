package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/metrics"
)

// NewRouter builds the gin engine with middleware and every route
func NewRouter(cfg *config.Config, h *Handler, m *metrics.Collector, logger *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	if m != nil {
		router.Use(m.GinMiddleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.GET("/health", h.Health)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	auth := AuthMiddleware(cfg.Server)
	if h.hub != nil {
		router.GET("/ws", auth, h.hub.HandleWebSocket)
	}
	h.RegisterRoutes(router.Group("/api/v1", auth))
	return router
}
