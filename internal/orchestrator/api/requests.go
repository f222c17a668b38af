package api

// CallbackRequest is the body of a progress callback posted by a running
// agent subprocess.
type CallbackRequest struct {
	AgentID        string `json:"agentId" binding:"required"`
	ConversationID string `json:"conversationId" binding:"required"`
	Content        string `json:"content" binding:"required"`
	IsFinal        bool   `json:"isFinal"`
}

// CardRunRequest is the body of a card assignment call.
type CardRunRequest struct {
	CardID      string `json:"cardId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// CardRunResponse carries the agent's output for a completed card run.
type CardRunResponse struct {
	Output string `json:"output"`
}
