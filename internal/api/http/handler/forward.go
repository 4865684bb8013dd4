package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/EternisAI/overlord/internal/forward"
	"github.com/gin-gonic/gin"
)

type ForwardHandler struct {
	registry *agents.Registry
	forwards *forward.Manager
}

func NewForwardHandler(registry *agents.Registry, forwards *forward.Manager) *ForwardHandler {
	return &ForwardHandler{registry: registry, forwards: forwards}
}

// StartForward opens a hub port whose connections are relayed to
// remote_port on the device.
// POST /agent/forward/:mid
func (h *ForwardHandler) StartForward(c *gin.Context) {
	mid := c.Param("mid")

	var req dto.StartForwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, ok := h.registry.Get(mid); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
		return
	}

	info, err := h.forwards.Start(mid, req.RemotePort)
	if err != nil {
		if errors.Is(err, forward.ErrPoolExhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to start forward", "machine_id", mid, "remote_port", req.RemotePort, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, toForwardInfo(info))
}

// GET /forwards
func (h *ForwardHandler) ListForwards(c *gin.Context) {
	list := h.forwards.List()
	resp := dto.ForwardsResponse{Forwards: make([]dto.ForwardInfo, len(list)), Count: len(list)}
	for i, f := range list {
		resp.Forwards[i] = toForwardInfo(f)
	}
	c.JSON(http.StatusOK, resp)
}

// DELETE /forwards/:port
func (h *ForwardHandler) StopForward(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	if err := h.forwards.Stop(port); err != nil {
		if errors.Is(err, forward.ErrUnknownForward) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "forward stopped"})
}

func toForwardInfo(f forward.Info) dto.ForwardInfo {
	return dto.ForwardInfo{
		Port:       f.Port,
		MachineID:  f.MachineID,
		RemotePort: f.RemotePort,
		StartedAt:  f.StartedAt,
	}
}
