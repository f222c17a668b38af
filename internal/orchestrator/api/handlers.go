package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/message"
	"github.com/agentdesk/agentdesk/internal/orchestrator"
	"github.com/agentdesk/agentdesk/internal/orchestrator/ledger"
)

const defaultRunListLimit = 50

// Handler serves the orchestrator's non-streaming API surface: the agent
// progress callback, card runs and the run ledger read endpoints.
type Handler struct {
	orch     *orchestrator.Orchestrator
	agents   agent.Source
	messages message.Store
	runs     ledger.Store
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, agents agent.Source, messages message.Store, runs ledger.Store, log *logger.Logger) *Handler {
	return &Handler{
		orch:     orch,
		agents:   agents,
		messages: messages,
		runs:     runs,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// Callback handles POST /callback.
//
// Running agents post progress here using the key injected into their
// environment. Each accepted callback is persisted as an inbound progress
// message; the reconciler later picks the authoritative one.
func (h *Handler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("agentId, conversationId and content are required"))
		return
	}

	ag, err := h.agents.GetAgent(c.Request.Context(), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	if key := bearerToken(c); key == "" || key != ag.CallbackKey {
		respondError(c, apperrors.Unauthorized("invalid callback key"))
		return
	}

	msg := &message.Message{
		ConversationID:  req.ConversationID,
		Direction:       message.DirectionInbound,
		Type:            message.TypeText,
		Content:         req.Content,
		AgentChatUpdate: true,
		IsFinal:         req.IsFinal,
	}
	if err := h.messages.Append(c.Request.Context(), msg); err != nil {
		respondError(c, apperrors.Wrap(err, "failed to persist callback message"))
		return
	}

	h.logger.Debug("callback accepted",
		zap.String("agent_id", req.AgentID),
		zap.String("conversation_id", req.ConversationID),
		zap.Bool("is_final", req.IsFinal))
	c.JSON(http.StatusCreated, gin.H{"messageId": msg.ID})
}

// RunCard handles POST /agents/:agentId/cards. The call is synchronous
// and returns the agent's output text.
func (h *Handler) RunCard(c *gin.Context) {
	agentID := c.Param("agentId")

	var req CardRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("cardId and title are required"))
		return
	}

	ag, err := h.agents.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	output, err := h.orch.RunCard(c.Request.Context(), ag, orchestrator.CardRun{
		CardID:      req.CardID,
		Title:       req.Title,
		Description: req.Description,
	}, func(runErr error) {
		h.logger.Error("card run failed",
			zap.String("agent_id", agentID),
			zap.String("card_id", req.CardID),
			zap.Error(runErr))
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CardRunResponse{Output: output})
}

// GetRun handles GET /runs/:runId.
func (h *Handler) GetRun(c *gin.Context) {
	rec, err := h.runs.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		if err == ledger.ErrRecordNotFound {
			respondError(c, apperrors.NotFound("run", c.Param("runId")))
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListAgentRuns handles GET /agents/:agentId/runs.
func (h *Handler) ListAgentRuns(c *gin.Context) {
	limit := defaultRunListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, apperrors.BadRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	recs, err := h.runs.ListByAgent(c.Request.Context(), c.Param("agentId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": recs})
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("X-API-Key")
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
}
