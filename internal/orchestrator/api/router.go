package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/orchestrator/gateway"
	"github.com/agentdesk/agentdesk/internal/orchestrator/streaming"
)

// NewRouter assembles the HTTP surface: the streaming chat gateway, the
// callback and ledger endpoints, and the WebSocket observer hub.
func NewRouter(h *Handler, gw *gateway.Handler, hub *streaming.Hub, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/callback", h.Callback)
		v1.POST("/agents/:agentId/cards", h.RunCard)
		v1.GET("/agents/:agentId/runs", h.ListAgentRuns)
		v1.GET("/runs/:runId", h.GetRun)

		gw.RegisterRoutes(v1)

		v1.GET("/ws", hub.ServeWS)
	}

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
