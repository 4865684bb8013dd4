package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const propertiesRefreshTimeout = 5 * time.Second

// propertiesRefresher is implemented by control links.
type propertiesRefresher interface {
	RefreshProperties(ctx context.Context) error
}

type AgentsHandler struct {
	registry      *agents.Registry
	propertiesTTL time.Duration
	upgrader      websocket.Upgrader
}

func NewAgentsHandler(registry *agents.Registry, propertiesTTL time.Duration, upgrader websocket.Upgrader) *AgentsHandler {
	return &AgentsHandler{
		registry:      registry,
		propertiesTTL: propertiesTTL,
		upgrader:      upgrader,
	}
}

// ListAgents returns connected devices, most urgent status first.
// GET /agents?status=
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	var filters []agents.Filter
	if s := c.Query("status"); s != "" {
		status, err := agents.ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filters = append(filters, agents.WithStatus(status))
	}

	list := h.registry.List(filters...)
	resp := dto.AgentsResponse{Agents: make([]dto.AgentInfo, len(list)), Count: len(list)}
	for i, a := range list {
		resp.Agents[i] = dto.NewAgentInfo(a)
	}
	c.JSON(http.StatusOK, resp)
}

// GET /agents/:mid
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	mid := c.Param("mid")
	a, ok := h.registry.Get(mid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
		return
	}

	sessions := h.registry.Sessions(mid)
	resp := dto.AgentDetailResponse{
		AgentInfo: dto.NewAgentInfo(a),
		Sessions:  make([]dto.AgentInfo, len(sessions)),
	}
	for i, s := range sessions {
		resp.Sessions[i] = dto.NewAgentInfo(s)
	}
	c.JSON(http.StatusOK, resp)
}

// GetProperties returns the full properties document, asking the device for
// a fresh one first when the cached copy is stale. A failed refresh falls
// back to the cached document.
// GET /agent/properties/:mid
func (h *AgentsHandler) GetProperties(c *gin.Context) {
	mid := c.Param("mid")
	a, ok := h.registry.Get(mid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
		return
	}

	stale := a.PropertiesStale(time.Now(), h.propertiesTTL)
	if stale {
		if link, ok := h.registry.Link(mid); ok {
			if r, ok := link.(propertiesRefresher); ok {
				ctx, cancel := context.WithTimeout(c.Request.Context(), propertiesRefreshTimeout)
				err := r.RefreshProperties(ctx)
				cancel()
				if err != nil {
					slog.Warn("Properties refresh failed", "machine_id", mid, "error", err)
				} else if fresh, ok := h.registry.Get(mid); ok {
					a = fresh
					stale = false
				}
			}
		}
	}

	props := a.Properties
	if props == nil {
		props = map[string]any{}
	}
	c.JSON(http.StatusOK, dto.PropertiesResponse{
		MachineID:  a.MachineID,
		Properties: props,
		UpdatedAt:  a.PropertiesUpdatedAt,
		Stale:      stale,
	})
}

// RemoveAgent evicts a device and closes all of its links.
// DELETE /agents/:mid
func (h *AgentsHandler) RemoveAgent(c *gin.Context) {
	mid := c.Param("mid")
	if !h.registry.Remove(mid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
		return
	}
	slog.Info("Agent evicted", "machine_id", mid, "client_ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"message": "agent removed"})
}

// Subscribe streams registry events over a websocket until either side
// goes away.
// GET /agents/subscribe
func (h *AgentsHandler) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Subscribe upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := h.registry.Subscribe(ctx)

	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(dto.AgentEvent{
				Event: string(ev.Type),
				Agent: dto.NewAgentInfo(ev.Agent),
			}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
