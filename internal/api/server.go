// Package api exposes the HTTP and WebSocket surface of the build engine.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"buildforge/internal/ai"
	"buildforge/internal/build"
	"buildforge/internal/config"
	"buildforge/internal/hub"
	"buildforge/internal/logging"
	"buildforge/internal/spend"
)

// Server wires handlers to their collaborators.
type Server struct {
	cfg      *config.Config
	engine   *build.Engine
	spend    *spend.Tracker
	keys     *ai.KeyStore
	platform *ai.Router
	hub      *hub.Hub
	log      *zap.Logger
}

// New creates the API server.
func New(cfg *config.Config, engine *build.Engine, tracker *spend.Tracker, keys *ai.KeyStore, platform *ai.Router, h *hub.Hub) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		spend:    tracker,
		keys:     keys,
		platform: platform,
		hub:      h,
		log:      logging.L().Named("api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(requireUser())
	{
		builds := api.Group("/builds")
		{
			builds.POST("", s.handleStartBuild)
			builds.GET("", s.handleListBuilds)
			builds.GET("/:id", s.handleGetBuild)
			builds.GET("/:id/detail", s.handleGetBuildDetail)
			builds.POST("/:id/cancel", s.handleCancelBuild)
			builds.POST("/:id/pause", s.handlePauseBuild)
			builds.POST("/:id/resume", s.handleResumeBuild)
		}

		spendGroup := api.Group("/spend")
		{
			spendGroup.GET("/summary", s.handleSpendSummary)
			spendGroup.GET("/breakdown", s.handleSpendBreakdown)
			spendGroup.GET("/history", s.handleSpendHistory)
			spendGroup.GET("/export", s.handleSpendExport)
		}

		keys := api.Group("/keys")
		{
			keys.GET("", s.handleListKeys)
			keys.POST("", s.handleSaveKey)
			keys.DELETE("/:provider", s.handleDeleteKey)
			keys.POST("/:provider/validate", s.handleValidateKey)
		}
	}

	ws := r.Group("/ws")
	ws.Use(requireUser())
	ws.GET("/builds/:id", s.handleBuildSocket)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"providers": s.platform.HealthStatus(c.Request.Context()),
	})
}

// requireUser resolves the caller's identity. Authentication proper lives at
// the platform gateway; this service trusts the forwarded user header.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			userID = c.Query("user_id")
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString("user_id")
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= 500 {
			log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()))
		}
	}
}
