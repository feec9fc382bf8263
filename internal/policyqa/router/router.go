// Package router wires the policy QA HTTP routes.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/policyqa/internal/policyqa/handler"
)

// Register attaches the service routes to the engine.
func Register(engine *gin.Engine, chatHandler *handler.ChatHandler) {
	engine.GET("/healthz", chatHandler.Healthz)
	engine.GET("/metrics", chatHandler.Metrics)

	v1 := engine.Group("/v1")
	{
		chat := v1.Group("/chat")
		{
			chat.POST("/query", chatHandler.Query)
			chat.GET("/stats", chatHandler.Stats)
		}
	}

	logger.Info("HTTP routes registered")
}
