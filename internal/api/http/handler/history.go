package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/EternisAI/overlord/internal/audit"
	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryReader is implemented by the audit store.
type HistoryReader interface {
	History(ctx context.Context, mid string, limit int) ([]audit.Connection, error)
}

type HistoryHandler struct {
	history HistoryReader
}

// NewHistoryHandler accepts a nil reader when the audit store is disabled.
func NewHistoryHandler(history HistoryReader) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// GET /agents/:mid/history?limit=
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection history is not enabled"})
		return
	}

	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	mid := c.Param("mid")
	conns, err := h.history.History(c.Request.Context(), mid, limit)
	if err != nil {
		slog.Error("Failed to read connection history", "machine_id", mid, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if conns == nil {
		conns = []audit.Connection{}
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{MachineID: mid, Connections: conns})
}
