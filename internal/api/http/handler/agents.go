package handler

import (
	"net/http"

	"github.com/EternisAI/silo-lease/internal/agents"
	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/api/http/middleware"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService *agents.Service
}

func NewAgentsHandler(agentService *agents.Service) *AgentsHandler {
	return &AgentsHandler{agentService: agentService}
}

// RegisterAgent creates an agent owned by the authenticated user
// POST /agents
func (h *AgentsHandler) RegisterAgent(c *gin.Context) {
	var req dto.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	agent, err := h.agentService.Register(c.Request.Context(), c.GetString(middleware.UserIDKey), agents.RegisterParams{
		AgentID:  req.AgentID,
		Enabled:  req.Enabled,
		Config:   req.Config,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, "Failed to register agent", err)
		return
	}
	c.JSON(http.StatusCreated, toAgentResponse(agent))
}

// ListAgents returns all agents for the authenticated user
// GET /agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	list, err := h.agentService.ListAgentsByUser(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, "Failed to list agents", err)
		return
	}

	out := make([]dto.AgentResponse, len(list))
	for i := range list {
		out[i] = toAgentResponse(&list[i])
	}
	c.JSON(http.StatusOK, dto.AgentsResponse{Agents: out, Count: len(out)})
}

// GetAgent
// GET /agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agent, err := h.agentService.GetAgent(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get agent", err)
		return
	}
	c.JSON(http.StatusOK, toAgentResponse(agent))
}

func toAgentResponse(a *agents.Agent) dto.AgentResponse {
	return dto.AgentResponse{
		ID:            a.ID,
		Enabled:       a.Enabled,
		Config:        a.Config,
		Metadata:      a.Metadata,
		LeaseID:       a.LeaseID,
		Status:        a.Status,
		StatusMessage: a.StatusMessage,
		UpdatedAt:     a.UpdatedAt,
	}
}
