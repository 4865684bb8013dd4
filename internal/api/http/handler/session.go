package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/broker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const rawUpgradeProtocol = "overlord-session"

// SessionOpener opens a paired session on a device.
type SessionOpener interface {
	Open(ctx context.Context, mid string, mode agents.Mode, args []string) (*broker.Session, error)
}

type SessionHandler struct {
	opener   SessionOpener
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewSessionHandler(opener SessionOpener, upgrader websocket.Upgrader) *SessionHandler {
	return &SessionHandler{
		opener:   opener,
		upgrader: upgrader,
		logger:   slog.Default().With("component", "session_api"),
	}
}

// OpenSession pairs a console stream with a new session on the device.
// The request blocks until the agent's session link arrives; the stream is
// a websocket when the client asked for one, otherwise the hijacked HTTP
// connection itself.
// GET|POST /agent/session/:mid?mode=&args=
func (h *SessionHandler) OpenSession(c *gin.Context) {
	mid := c.Param("mid")
	mode, err := agents.ParseSessionMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	args := c.QueryArray("args")

	isWebSocket := websocket.IsWebSocketUpgrade(c.Request)
	if !isWebSocket {
		if _, ok := c.Writer.(http.Hijacker); !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}
	}

	session, err := h.opener.Open(c.Request.Context(), mid, mode, args)
	if err != nil {
		h.logger.Warn("Session open failed", "machine_id", mid, "mode", mode, "error", err)
		c.JSON(sessionErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if isWebSocket {
		h.relayWebSocket(c, session)
		return
	}
	h.relayRaw(c, session)
}

func (h *SessionHandler) relayWebSocket(c *gin.Context, session *broker.Session) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "session_id", session.ID, "error", err)
		session.Close()
		return
	}

	logger := h.logger.With("machine_id", session.MachineID, "session_id", session.ID)
	session.Relay(newWSConsole(conn, session, logger))
}

func (h *SessionHandler) relayRaw(c *gin.Context, session *broker.Session) {
	conn, rw, err := c.Writer.Hijack()
	if err != nil {
		h.logger.Warn("Connection hijack failed", "session_id", session.ID, "error", err)
		session.Close()
		return
	}

	rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	rw.WriteString("Upgrade: " + rawUpgradeProtocol + "\r\n")
	rw.WriteString("Connection: Upgrade\r\n\r\n")
	if err := rw.Flush(); err != nil {
		conn.Close()
		session.Close()
		return
	}

	session.Relay(&rawConsole{Conn: conn, r: rw.Reader})
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, broker.ErrNoSuchDevice):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrSpawnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrSpawnFailed):
		return http.StatusBadGateway
	case errors.Is(err, broker.ErrModeMismatch):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
