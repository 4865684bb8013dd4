package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/broker"
	"github.com/EternisAI/overlord/internal/protocol"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type LinkConfig struct {
	PingInterval     time.Duration
	Timeout          time.Duration
	HandshakeTimeout time.Duration
}

func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		PingInterval:     3 * time.Second,
		Timeout:          10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// LinkHandler serves every agent link. The first frame decides whether the
// stream is the device's control link or one of its session links.
type LinkHandler struct {
	registry *agents.Registry
	broker   *broker.Broker
	cfg      LinkConfig
	logger   *slog.Logger
}

func NewLinkHandler(registry *agents.Registry, b *broker.Broker, cfg LinkConfig, logger *slog.Logger) *LinkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = cfg.Timeout
	}
	return &LinkHandler{
		registry: registry,
		broker:   b,
		cfg:      cfg,
		logger:   logger.With("component", "link"),
	}
}

func (h *LinkHandler) Link(stream protocol.LinkStream) error {
	hello, err := h.handshake(stream)
	if err != nil {
		h.logger.Warn("Handshake failed", "remote_addr", remoteAddr(stream), "error", err)
		return err
	}
	if hello.IsControl() {
		return h.serveControl(stream, hello)
	}
	return h.serveSession(stream, hello)
}

func (h *LinkHandler) handshake(stream protocol.LinkStream) (*protocol.Frame, error) {
	type result struct {
		f   *protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := stream.Recv()
		ch <- result{f, err}
	}()

	timer := time.NewTimer(h.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to receive HELLO: %w", r.err)
		}
		if r.f.Type != protocol.TypeHello {
			return nil, status.Errorf(codes.InvalidArgument, "expected HELLO, got %s", r.f.Type)
		}
		if err := r.f.Validate(); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return r.f, nil
	case <-timer.C:
		return nil, status.Error(codes.DeadlineExceeded, "no HELLO received")
	}
}

func (h *LinkHandler) serveControl(stream protocol.LinkStream, hello *protocol.Frame) error {
	mid := hello.MachineID
	link := newControlLink(mid, stream, h.logger)
	defer link.Close()

	now := time.Now()
	agent := &agents.Agent{
		MachineID:  mid,
		Mode:       agents.ModeControl,
		Properties: hello.Properties,
		RemoteAddr: remoteAddr(stream),
	}
	if hello.Properties != nil {
		agent.PropertiesUpdatedAt = now
	}
	if err := h.registry.Upsert(agent, link); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer func() {
		if h.registry.RemoveLink(mid, link) {
			if n := h.broker.FailMachine(mid); n > 0 {
				h.logger.Info("Failed pending sessions of departed agent", "machine_id", mid, "sessions", n)
			}
		}
	}()

	if hello.Properties == nil {
		link.trySend(&protocol.Frame{Type: protocol.TypeRequestProperties})
	}

	errCh := make(chan error, 2)
	go link.sendLoop(errCh)
	go h.receiveLoop(link, errCh)

	timeout := time.NewTimer(h.cfg.Timeout)
	defer timeout.Stop()
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-link.seen:
			timeout.Reset(h.cfg.Timeout)
		case <-ping.C:
			link.trySend(&protocol.Frame{Type: protocol.TypePing})
		case <-timeout.C:
			h.logger.Warn("Control link timed out", "machine_id", mid, "timeout", h.cfg.Timeout)
			return status.Error(codes.DeadlineExceeded, "link timed out")
		case err := <-errCh:
			if err == nil || errors.Is(err, io.EOF) {
				return nil
			}
			if _, ok := status.FromError(err); ok {
				return err
			}
			return status.Error(codes.InvalidArgument, err.Error())
		case <-link.Done():
			h.logger.Debug("Control link closed", "machine_id", mid)
			return nil
		}
	}
}

func (h *LinkHandler) receiveLoop(link *ControlLink, errCh chan<- error) {
	for {
		f, err := link.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && link.ctx.Err() == nil {
				h.logger.Warn("Error receiving frame", "machine_id", link.MachineID, "error", err)
			}
			errCh <- err
			return
		}

		link.touch()
		h.registry.Touch(link.MachineID, "", time.Now())

		if err := f.Validate(); err != nil {
			h.logger.Warn("Malformed frame, closing link", "machine_id", link.MachineID, "error", err)
			errCh <- err
			return
		}
		if err := h.dispatch(link, f); err != nil {
			h.logger.Warn("Protocol violation, closing link", "machine_id", link.MachineID, "error", err)
			errCh <- err
			return
		}
	}
}

func (h *LinkHandler) dispatch(link *ControlLink, f *protocol.Frame) error {
	mid := link.MachineID
	switch f.Type {
	case protocol.TypePing:
		link.trySend(&protocol.Frame{Type: protocol.TypePong})

	case protocol.TypePong:

	case protocol.TypeProperties:
		if err := h.registry.UpdateProperties(mid, f.Properties); err != nil {
			return err
		}
		link.propertiesArrived()
		h.logger.Debug("Properties updated", "machine_id", mid)

	case protocol.TypeUpdate:
		if f.Status != "" {
			st, _ := agents.ParseStatus(f.Status)
			if err := h.registry.UpdateStatus(mid, st); err != nil {
				return err
			}
		}
		if f.Properties != nil {
			if err := h.registry.UpdateProperties(mid, f.Properties); err != nil {
				return err
			}
			link.propertiesArrived()
		}

	case protocol.TypeRPCResult:
		if link.resolve(f) {
			return nil
		}
		// A failed result with no pending call is the agent reporting that
		// it could not open a spawned session link.
		if f.Result == protocol.ResultFailed && h.broker.Fail(f.ID, f.Error) {
			return nil
		}
		h.logger.Debug("Result for unknown call", "machine_id", mid, "id", f.ID)

	default:
		return fmt.Errorf("%w: %s on control link", protocol.ErrMalformedFrame, f.Type)
	}
	return nil
}

func (h *LinkHandler) serveSession(stream protocol.LinkStream, hello *protocol.Frame) error {
	mid, sid := hello.MachineID, hello.SessionID

	released := make(chan struct{})
	var once sync.Once
	pipe := protocol.NewPipe(stream,
		func() { once.Do(func() { close(released) }) },
		protocol.WithFrameHook(func() { h.registry.Touch(mid, sid, time.Now()) }),
	)

	session, err := h.broker.Attach(broker.AgentLink{
		MachineID:  mid,
		SessionID:  sid,
		Mode:       hello.Mode,
		RemoteAddr: remoteAddr(stream),
		Conn:       pipe,
	})
	if err != nil {
		h.logger.Warn("Rejected session link",
			"machine_id", mid,
			"session_id", sid,
			"mode", hello.Mode,
			"error", err)
		if errors.Is(err, agents.ErrUnknownMachine) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.FailedPrecondition, err.Error())
	}

	select {
	case <-released:
	case <-stream.Context().Done():
		session.Close()
	}
	return nil
}

func remoteAddr(stream protocol.LinkStream) string {
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
