package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vitalscan/neurostudy-backend/internal/services"
)

func HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type AgentHealthHandler struct {
	health services.AgentHealthService
}

func NewAgentHealthHandler(health services.AgentHealthService) *AgentHealthHandler {
	return &AgentHealthHandler{health: health}
}

func (h *AgentHealthHandler) CheckAll(c *gin.Context) {
	results := h.health.CheckAll(c.Request.Context())
	overall := "ok"
	for _, r := range results {
		if r.Status != services.ServiceStatusOnline {
			overall = "degraded"
			break
		}
	}
	RespondOK(c, gin.H{
		"status":   overall,
		"services": results,
	})
}
