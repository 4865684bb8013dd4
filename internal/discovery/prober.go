package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Prober finds a hub by broadcasting probes until one answers.
type Prober struct {
	// Target is where probes are sent, normally the broadcast address.
	Target   string
	Interval time.Duration
}

func NewProber(port int) *Prober {
	return &Prober{
		Target:   fmt.Sprintf("255.255.255.255:%d", port),
		Interval: time.Second,
	}
}

// Discover returns the host:port of the first hub that answers a probe.
func (p *Prober) Discover(ctx context.Context) (string, error) {
	target, err := net.ResolveUDPAddr("udp", p.Target)
	if err != nil {
		return "", fmt.Errorf("resolve discovery target: %w", err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return "", fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	nonce := uuid.New().String()
	probe, err := Encode(NewProbe(nonce))
	if err != nil {
		return "", err
	}

	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	buf := make([]byte, maxDatagram+1)
	for {
		if _, err := conn.WriteToUDP(probe, target); err != nil {
			return "", fmt.Errorf("send probe: %w", err)
		}

		deadline := time.Now().Add(interval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return "", fmt.Errorf("read announce: %w", err)
			}
			m, err := Decode(buf[:n])
			if err != nil || m.Type != TypeAnnounce || m.Nonce != nonce {
				continue
			}
			return resolveAnnounced(m.Addr, from)
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

// resolveAnnounced fills in the responder's own IP when the announce
// carries only a port.
func resolveAnnounced(addr string, from *net.UDPAddr) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: address %q", ErrInvalidMessage, addr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = from.IP.String()
	}
	return net.JoinHostPort(host, port), nil
}
