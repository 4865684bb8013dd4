package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Responder answers probes with the hub's agent-link address. It keeps no
// state between datagrams.
type Responder struct {
	conn      net.PacketConn
	advertise string
	logger    *slog.Logger
}

// NewResponder listens on addr. advertise is the host:port agents should
// dial; an empty host tells the prober to use the address the reply came
// from.
func NewResponder(addr, advertise string, logger *slog.Logger) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for discovery on %s: %w", addr, err)
	}
	return &Responder{
		conn:      conn,
		advertise: advertise,
		logger:    logger.With("component", "discovery"),
	}, nil
}

func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve answers probes until ctx is done or the responder is closed.
func (r *Responder) Serve(ctx context.Context) error {
	r.logger.Info("Discovery responder listening", "addr", r.conn.LocalAddr().String(), "advertise", r.advertise)

	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram+1)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery read: %w", err)
		}
		r.handle(buf[:n], from)
	}
}

func (r *Responder) handle(datagram []byte, from net.Addr) {
	m, err := Decode(datagram)
	if err != nil {
		r.logger.Debug("Dropping datagram", "from", from.String(), "error", err)
		return
	}
	if m.Type != TypeProbe {
		return
	}

	reply, err := Encode(NewAnnounce(m.Nonce, r.advertise))
	if err != nil {
		r.logger.Error("Failed to encode announce", "error", err)
		return
	}
	if _, err := r.conn.WriteTo(reply, from); err != nil {
		r.logger.Warn("Failed to send announce", "to", from.String(), "error", err)
		return
	}
	r.logger.Debug("Answered probe", "from", from.String())
}

func (r *Responder) Close() error {
	return r.conn.Close()
}
