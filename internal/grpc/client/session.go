package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EternisAI/overlord/internal/modes"
	"github.com/EternisAI/overlord/internal/protocol"
	"google.golang.org/grpc"
)

// spawn answers a SPAWN with a new session link on the same connection.
// If the job cannot be prepared or the link cannot be opened, the hub is
// told with a failed RPC_RESULT carrying the session id.
func (c *Client) spawn(conn *grpc.ClientConn, f *protocol.Frame) {
	sid := f.SessionID
	logger := c.logger.With("session_id", sid, "mode", f.Mode)

	job, err := c.runner.Start(f.Mode, f.Args)
	if err != nil {
		logger.Warn("Refusing session", "error", err)
		c.reportSpawnFailure(sid, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	link, err := protocol.OpenLink(ctx, conn)
	if err == nil {
		err = link.Send(protocol.Hello(c.cfg.MachineID, f.Mode, sid, nil))
	}
	if err != nil {
		cancel()
		job.Close()
		logger.Warn("Failed to open session link", "error", err)
		c.reportSpawnFailure(sid, err.Error())
		return
	}

	resize := make(chan modes.WindowSize, 1)
	pipe := protocol.NewPipe(link, cancel, protocol.WithResizeHandler(func(cols, rows uint16) {
		// Only the latest size matters.
		select {
		case <-resize:
		default:
		}
		resize <- modes.WindowSize{Cols: cols, Rows: rows}
	}))

	logger.Info("Session started")
	err = job.Run(link.Context(), &modes.Session{ID: sid, Conn: pipe, Resize: resize})
	if err != nil {
		logger.Info("Session ended", "error", err)
	} else {
		logger.Info("Session ended")
	}

	// Let queued output reach the hub; the hub closes the link once it has
	// drained it.
	pipe.CloseSend()
	select {
	case <-link.Context().Done():
	case <-time.After(c.cfg.SessionGrace):
	}
	pipe.Close()
}

func (c *Client) reportSpawnFailure(sid, reason string) {
	if err := c.Send(protocol.RPCFailure(sid, reason)); err != nil {
		c.logger.Error("Failed to report spawn failure", "session_id", sid, "error", err)
	}
}

func (c *Client) handleRPC(f *protocol.Frame) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RPCTimeout)
	defer cancel()

	result, err := c.runner.Call(ctx, f.Name, f.Args)
	if err != nil {
		c.logger.Warn("RPC failed", "id", f.ID, "name", f.Name, "error", err)
		c.sendResult(protocol.RPCFailure(f.ID, err.Error()))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		c.sendResult(protocol.RPCFailure(f.ID, "failed to encode result: "+err.Error()))
		return
	}
	c.logger.Debug("RPC completed", "id", f.ID, "name", f.Name)
	c.sendResult(protocol.RPCSuccess(f.ID, payload))
}

func (c *Client) sendResult(f *protocol.Frame) {
	if err := c.Send(f); err != nil {
		c.logger.Error("Failed to send RPC result", "id", f.ID, "error", err)
	}
}
