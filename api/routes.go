// Package api is the HTTP surface over the orchestration service.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mohans/genq/task"
)

// SetupRoutes configures all API routes
func SetupRoutes(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.log))

	// Add CORS middleware
	router.Use(corsMiddleware())

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/simple/submit", h.Submit(task.KindSimple))

		tts := api.Group("/tts")
		{
			tts.POST("/preprocess", h.Submit(task.KindTTSPreprocess))
			tts.POST("/invoke", h.Submit(task.KindTTSInvoke))
			tts.GET("/status/:taskId", h.Status(task.DomainTTS))
			tts.GET("/audio/:taskId", h.Audio(task.DomainTTS))
		}

		video := api.Group("/tts-to-video")
		{
			video.POST("/submit", h.Submit(task.KindTTSToVideo))
			video.GET("/status/:taskId", h.Status(task.DomainTTSToVideo))
			video.GET("/audio/:taskId", h.Audio(task.DomainTTSToVideo))
			video.GET("/video/:taskId", h.Video)
		}

		api.GET("/tasks/:taskId", h.Status(""))
		api.DELETE("/tasks/:taskId", h.Cancel)
		api.GET("/queue/stats", h.Stats)
	}

	return router
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
