package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// NewUpgrader returns a websocket upgrader that admits the given browser
// origins. An empty list or "*" admits every origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// consoleSession is the broker session seen from the console adapter.
type consoleSession interface {
	Resize(cols, rows uint16) error
	Close() error
}

// wsConsole adapts a websocket to the console side of a session. Binary
// messages carry session bytes; text messages are JSON control messages.
// A stdin_closed control message ends Read with io.EOF while writes keep
// flowing.
type wsConsole struct {
	conn    *websocket.Conn
	session consoleSession
	logger  *slog.Logger

	reader io.Reader
	eof    bool

	stop      chan struct{}
	closeOnce sync.Once
}

func newWSConsole(conn *websocket.Conn, session consoleSession, logger *slog.Logger) *wsConsole {
	w := &wsConsole{
		conn:    conn,
		session: session,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go w.pingLoop()
	return w
}

func (w *wsConsole) Read(p []byte) (int, error) {
	if w.eof {
		return 0, io.EOF
	}
	for {
		if w.reader != nil {
			n, err := w.reader.Read(p)
			if err == io.EOF {
				w.reader = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		messageType, r, err := w.conn.NextReader()
		if err != nil {
			return 0, consoleReadError(err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			w.reader = r
		case websocket.TextMessage:
			var msg dto.ControlMessage
			if err := json.NewDecoder(r).Decode(&msg); err != nil {
				w.logger.Warn("Invalid control message", "error", err)
				continue
			}
			if w.handleControl(msg) {
				w.eof = true
				go w.discard()
				return 0, io.EOF
			}
		}
	}
}

// handleControl applies msg and reports whether it closed the input side.
func (w *wsConsole) handleControl(msg dto.ControlMessage) bool {
	switch msg.Type {
	case dto.ControlStdinClosed:
		return true
	case dto.ControlResize:
		if msg.Cols > 0 && msg.Rows > 0 {
			if err := w.session.Resize(msg.Cols, msg.Rows); err != nil {
				w.logger.Warn("Resize failed", "error", err)
			}
		}
	default:
		w.logger.Warn("Unknown control message type", "type", msg.Type)
	}
	return false
}

// discard keeps reading after the input side closed so pongs and the
// console's close frame are still seen. The relay is no longer reading, so
// a console that goes away here ends the session itself.
func (w *wsConsole) discard() {
	for {
		if _, _, err := w.conn.NextReader(); err != nil {
			w.session.Close()
			w.Close()
			return
		}
	}
}

func (w *wsConsole) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConsole) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (w *wsConsole) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = w.conn.Close()
	})
	return err
}

// consoleReadError maps the console hanging up to net.ErrClosed so the
// relay treats it as an ordinary end of session.
func consoleReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return net.ErrClosed
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return net.ErrClosed
	}
	return err
}

// rawConsole is a hijacked HTTP connection carrying raw session bytes.
// Bytes the server already buffered are read before the connection.
type rawConsole struct {
	net.Conn
	r *bufio.Reader
}

func (c *rawConsole) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
