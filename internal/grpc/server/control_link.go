package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/protocol"
	"github.com/google/uuid"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
)

var ErrLinkClosed = errors.New("control link closed")

// ControlLink is the hub end of a device's control link. It is stored in the
// registry as the device's link, so other components reach the device
// through it.
type ControlLink struct {
	MachineID string

	stream protocol.LinkStream
	sendCh chan *protocol.Frame
	seen   chan struct{}
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	pending     map[string]chan *protocol.Frame
	propsSignal chan struct{}
}

func newControlLink(mid string, stream protocol.LinkStream, logger *slog.Logger) *ControlLink {
	ctx, cancel := context.WithCancel(stream.Context())
	return &ControlLink{
		MachineID:   mid,
		stream:      stream,
		sendCh:      make(chan *protocol.Frame, sendChannelBuffer),
		seen:        make(chan struct{}, 1),
		logger:      logger.With("machine_id", mid),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan *protocol.Frame),
		propsSignal: make(chan struct{}),
	}
}

// Send queues f for delivery, waiting at most sendTimeout for room.
func (c *ControlLink) Send(f *protocol.Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout sending %s to %s", f.Type, c.MachineID)
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", ErrLinkClosed, c.MachineID)
	}
}

// trySend queues f only if there is room. Used for PING and PONG, which are
// worthless once late.
func (c *ControlLink) trySend(f *protocol.Frame) {
	select {
	case c.sendCh <- f:
	default:
		c.logger.Debug("Send queue full, dropping frame", "type", f.Type)
	}
}

// Spawn asks the device to open a session link.
func (c *ControlLink) Spawn(sessionID string, mode agents.Mode, args []string) error {
	return c.Send(protocol.Spawn(sessionID, mode, args))
}

// Call runs a named RPC on the device and waits for its result. A Failed
// result is returned as a frame, not an error.
func (c *ControlLink) Call(ctx context.Context, name string, args []string) (*protocol.Frame, error) {
	id := uuid.New().String()
	ch := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(protocol.RPCCall(id, name, args)); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrLinkClosed, c.MachineID)
	}
}

// resolve hands an RPC_RESULT to its waiting caller.
func (c *ControlLink) resolve(f *protocol.Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
	}
	return true
}

// RefreshProperties sends REQUEST_PROPERTIES and waits for the next
// PROPERTIES frame to be stored.
func (c *ControlLink) RefreshProperties(ctx context.Context) error {
	c.mu.Lock()
	signal := c.propsSignal
	c.mu.Unlock()

	if err := c.Send(&protocol.Frame{Type: protocol.TypeRequestProperties}); err != nil {
		return err
	}

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", ErrLinkClosed, c.MachineID)
	}
}

func (c *ControlLink) propertiesArrived() {
	c.mu.Lock()
	close(c.propsSignal)
	c.propsSignal = make(chan struct{})
	c.mu.Unlock()
}

// touch marks the link alive for the liveness timer.
func (c *ControlLink) touch() {
	select {
	case c.seen <- struct{}{}:
	default:
	}
}

func (c *ControlLink) sendLoop(errCh chan<- error) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.sendCh:
			if f.Type != protocol.TypePing && f.Type != protocol.TypePong {
				c.logger.Debug("Sending frame", "type", f.Type)
			}
			if err := c.stream.Send(f); err != nil {
				c.logger.Error("Error sending frame", "type", f.Type, "error", err)
				errCh <- err
				return
			}
		}
	}
}

// Close ends the link. The handler serving it returns and the stream is torn
// down.
func (c *ControlLink) Close() error {
	c.cancel()
	return nil
}

func (c *ControlLink) Done() <-chan struct{} {
	return c.ctx.Done()
}
