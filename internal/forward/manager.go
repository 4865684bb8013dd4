package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/broker"
)

const maxPortBindRetries = 3

var ErrUnknownForward = errors.New("unknown forward")

// Opener opens sessions on devices; satisfied by *broker.Broker.
type Opener interface {
	Open(ctx context.Context, mid string, mode agents.Mode, args []string) (*broker.Session, error)
}

// Info describes one forward listener.
type Info struct {
	Port       int       `json:"port"`
	MachineID  string    `json:"mid"`
	RemotePort int       `json:"remote_port"`
	StartedAt  time.Time `json:"started_at"`
}

type listener struct {
	Info
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Manager runs hub-side TCP listeners; each accepted connection becomes a
// Forward session to a port on the device.
type Manager struct {
	pool     *PortPool
	opener   Opener
	bindHost string
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[int]*listener
}

func NewManager(pool *PortPool, opener Opener, bindHost string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pool:      pool,
		opener:    opener,
		bindHost:  bindHost,
		logger:    logger.With("component", "forward"),
		listeners: make(map[int]*listener),
	}
}

// Start allocates a hub port and begins forwarding it to remotePort on mid.
func (m *Manager) Start(mid string, remotePort int) (Info, error) {
	if remotePort < 1 || remotePort > 65535 {
		return Info{}, fmt.Errorf("invalid remote port %d", remotePort)
	}

	var lastErr error
	for attempt := 1; attempt <= maxPortBindRetries; attempt++ {
		port, err := m.pool.Allocate(mid)
		if err != nil {
			return Info{}, err
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(m.bindHost, strconv.Itoa(port)))
		if err != nil {
			m.pool.Release(port)
			lastErr = fmt.Errorf("failed to bind port %d: %w", port, err)
			m.logger.Warn("Port binding failed, retrying", "port", port, "attempt", attempt, "error", err)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		l := &listener{
			Info: Info{
				Port:       port,
				MachineID:  mid,
				RemotePort: remotePort,
				StartedAt:  time.Now(),
			},
			ln:     ln,
			ctx:    ctx,
			cancel: cancel,
		}

		m.mu.Lock()
		m.listeners[port] = l
		m.mu.Unlock()

		l.wg.Add(1)
		go m.acceptLoop(l)

		m.logger.Info("Forward started", "port", port, "machine_id", mid, "remote_port", remotePort)
		return l.Info, nil
	}
	return Info{}, fmt.Errorf("failed to start forward after %d attempts: %w", maxPortBindRetries, lastErr)
}

func (m *Manager) acceptLoop(l *listener) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.logger.Error("Forward accept failed", "port", l.Port, "error", err)
			}
			return
		}
		l.wg.Add(1)
		go m.serve(l, conn)
	}
}

func (m *Manager) serve(l *listener, conn net.Conn) {
	defer l.wg.Done()

	s, err := m.opener.Open(l.ctx, l.MachineID, agents.ModeForward, []string{strconv.Itoa(l.RemotePort)})
	if err != nil {
		m.logger.Warn("Forward session failed",
			"port", l.Port,
			"machine_id", l.MachineID,
			"client", conn.RemoteAddr().String(),
			"error", err)
		conn.Close()
		return
	}

	stop := context.AfterFunc(l.ctx, func() { s.Close() })
	defer stop()

	if err := s.Relay(conn); err != nil {
		m.logger.Debug("Forward relay ended", "port", l.Port, "session_id", s.ID, "error", err)
	}
}

// Stop closes the listener on port and every connection it carries.
func (m *Manager) Stop(port int) error {
	m.mu.Lock()
	l, ok := m.listeners[port]
	if ok {
		delete(m.listeners, port)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: port %d", ErrUnknownForward, port)
	}

	l.cancel()
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.logger.Warn("Failed to close forward listener", "port", port, "error", err)
	}
	l.wg.Wait()
	m.pool.Release(port)

	m.logger.Info("Forward stopped", "port", port, "machine_id", l.MachineID)
	return nil
}

// StopMachine stops every forward to mid.
func (m *Manager) StopMachine(mid string) int {
	m.mu.Lock()
	var ports []int
	for port, l := range m.listeners {
		if l.MachineID == mid {
			ports = append(ports, port)
		}
	}
	m.mu.Unlock()

	for _, port := range ports {
		m.Stop(port)
	}
	return len(ports)
}

// Watch stops a device's forwards once it has left the registry. A device
// that reconnects publishes left and joined back to back; its forwards are
// kept since every accepted connection opens a fresh session anyway. The
// returned channel is closed once ctx is done or the registry is closed.
func (m *Manager) Watch(ctx context.Context, registry *agents.Registry) <-chan struct{} {
	return registry.Follow(ctx, func(ev agents.Event) {
		if ev.Type != agents.EventLeft {
			return
		}
		mid := ev.Agent.MachineID
		if _, ok := registry.Get(mid); ok {
			m.logger.Debug("Agent reconnected, keeping forwards", "machine_id", mid)
			return
		}
		if n := m.StopMachine(mid); n > 0 {
			m.logger.Info("Stopped forwards of departed agent", "machine_id", mid, "forwards", n)
		}
	}, func() {
		m.stopDeparted(registry)
	})
}

// stopDeparted stops forwards whose device is no longer registered.
func (m *Manager) stopDeparted(registry *agents.Registry) {
	m.mu.Lock()
	mids := make(map[string]struct{})
	for _, l := range m.listeners {
		mids[l.MachineID] = struct{}{}
	}
	m.mu.Unlock()

	for mid := range mids {
		if _, ok := registry.Get(mid); ok {
			continue
		}
		if n := m.StopMachine(mid); n > 0 {
			m.logger.Info("Stopped forwards of departed agent", "machine_id", mid, "forwards", n)
		}
	}
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	result := make([]Info, 0, len(m.listeners))
	for _, l := range m.listeners {
		result = append(result, l.Info)
	}
	m.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Port < result[j].Port })
	return result
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.listeners))
	for port := range m.listeners {
		ports = append(ports, port)
	}
	m.mu.Unlock()

	for _, port := range ports {
		m.Stop(port)
	}
}
