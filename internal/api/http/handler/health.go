package handler

import (
	"net/http"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	registry *agents.Registry
}

func NewHealthHandler(registry *agents.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", Agents: h.registry.Len()})
}
