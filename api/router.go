package api

import (
	"bgtask/config"
	"bgtask/metrics"
	"bgtask/tools"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func SetupRouter(d *tools.Dispatcher, cfg *config.Config, logger logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), metrics.Middleware())
	h := NewHandler(d, cfg, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg), BodyLimit(cfg))
	{
		v1.GET("/tools", h.handleListTools)

		// Synchronous call, or background when mode is "background"
		v1.POST("/call", h.handleCall)

		// Task endpoints
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.GET("/tasks/:taskId/result", h.handleGetTaskResult)
		v1.POST("/tasks/:taskId/cancel", h.handleCancelTask)
	}
	return r
}
