package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/EternisAI/overlord/internal/protocol"
	"github.com/gin-gonic/gin"
)

// rpcCaller is implemented by control links.
type rpcCaller interface {
	Call(ctx context.Context, name string, args []string) (*protocol.Frame, error)
}

type RPCHandler struct {
	registry *agents.Registry
	timeout  time.Duration
}

func NewRPCHandler(registry *agents.Registry, timeout time.Duration) *RPCHandler {
	return &RPCHandler{registry: registry, timeout: timeout}
}

// Call runs a named RPC on the device. A Failed result is an ordinary
// response; only transport problems produce error statuses.
// POST /agent/rpc/:mid
func (h *RPCHandler) Call(c *gin.Context) {
	mid := c.Param("mid")

	var req dto.RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	link, ok := h.registry.Link(mid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
		return
	}
	caller, ok := link.(rpcCaller)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := caller.Call(ctx, req.Name, req.Args)
	if err != nil {
		slog.Warn("RPC failed", "machine_id", mid, "name", req.Name, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "rpc timed out"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.RPCResponse{
		Status:  string(res.Result),
		Payload: res.Payload,
		Error:   res.Error,
	})
}
