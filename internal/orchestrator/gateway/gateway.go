// Package gateway exposes the chat trigger over HTTP with line-oriented
// streaming frames.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/orchestrator"
)

// Frame event names emitted on the stream.
const (
	EventMessage = "message"
	EventDone    = "done"
	EventError   = "error"
)

// StreamRequest is the body of a chat stream call.
type StreamRequest struct {
	Text string `json:"text" binding:"required"`
}

// Handler serves the streaming chat endpoint.
type Handler struct {
	orch   *orchestrator.Orchestrator
	agents agent.Source
	logger *logger.Logger
}

// NewHandler creates a new gateway handler.
func NewHandler(orch *orchestrator.Orchestrator, agents agent.Source, log *logger.Logger) *Handler {
	return &Handler{
		orch:   orch,
		agents: agents,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes registers the gateway routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/agents/:agentId/conversations/:conversationId/stream", h.StreamChat)
}

// StreamChat handles POST /agents/:agentId/conversations/:conversationId/stream.
//
// The response is a sequence of frames, each an "event:" line followed by
// a "data:" line carrying a JSON payload. Incremental output arrives as
// message frames; the stream ends with exactly one done or error frame.
func (h *Handler) StreamChat(c *gin.Context) {
	agentID := c.Param("agentId")
	conversationID := c.Param("conversationId")

	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	ag, err := h.agents.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	fw := &frameWriter{w: c.Writer, logger: h.logger}

	msg, err := h.orch.RunChat(c.Request.Context(), ag, conversationID, req.Text, func(chunk string) {
		fw.write(EventMessage, map[string]string{"delta": chunk})
	})
	if err != nil {
		h.logger.Warn("chat run failed",
			zap.String("agent_id", agentID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		fw.write(EventError, map[string]string{"error": err.Error()})
		return
	}

	fw.write(EventDone, map[string]string{"messageId": msg.ID})
}

// frameWriter serializes frame writes; incremental chunks arrive from the
// subprocess reader goroutine while terminal frames come from the handler.
type frameWriter struct {
	mu     sync.Mutex
	w      gin.ResponseWriter
	logger *logger.Logger
}

func (f *frameWriter) write(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.logger.Warn("failed to marshal stream frame", zap.Error(err))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := fmt.Fprintf(f.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		f.logger.Warn("failed to write stream frame", zap.Error(err))
		return
	}
	f.w.Flush()
}
