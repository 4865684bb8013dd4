package broker

import (
	"io"
	"sync"

	"github.com/EternisAI/overlord/internal/agents"
)

type State string

const (
	StateRequested State = "requested"
	StateSpawning  State = "spawning"
	StatePaired    State = "paired"
	StateClosed    State = "closed"
	StateTimedOut  State = "timed_out"
)

// Session is one console-to-agent channel. Its agent side is registered as
// the session-mode child link of the device, so losing the control link
// closes the session through the registry cascade.
type Session struct {
	ID        string
	MachineID string
	Mode      agents.Mode
	Args      []string

	broker *Broker

	// Guarded by broker.mu.
	state   State
	err     error
	agent   io.ReadWriteCloser
	console io.ReadWriteCloser

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(b *Broker, id, mid string, mode agents.Mode, args []string) *Session {
	return &Session{
		ID:        id,
		MachineID: mid,
		Mode:      mode,
		Args:      args,
		broker:    b,
		state:     StateRequested,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.state
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Relay copies bytes between console and the agent link until either side
// ends, then closes the session. A clean end of console input is passed to
// the agent as a half-close when the agent link supports it, so output keeps
// draining.
func (s *Session) Relay(console io.ReadWriteCloser) error {
	b := s.broker
	b.mu.Lock()
	if s.state != StatePaired || s.isClosed() {
		b.mu.Unlock()
		console.Close()
		return ErrSessionClosed
	}
	s.console = console
	agent := s.agent
	b.mu.Unlock()

	b.logger.Debug("Relay started", "machine_id", s.MachineID, "session_id", s.ID)
	err := bridge(console, agent)
	s.Close()

	if err != nil {
		b.logger.Warn("Relay ended with error",
			"machine_id", s.MachineID,
			"session_id", s.ID,
			"error", err)
		return err
	}
	b.logger.Debug("Relay finished", "machine_id", s.MachineID, "session_id", s.ID)
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Resize forwards a terminal size change to the agent side.
func (s *Session) Resize(cols, rows uint16) error {
	s.broker.mu.Lock()
	agent := s.agent
	s.broker.mu.Unlock()

	if r, ok := agent.(interface{ Resize(cols, rows uint16) error }); ok {
		return r.Resize(cols, rows)
	}
	return nil
}

// Close tears down both sides and drops the registry child. It is safe to
// call more than once and from either side.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		b := s.broker
		b.mu.Lock()
		if s.state == StatePaired {
			s.state = StateClosed
		}
		delete(b.active, s.ID)
		agent, console := s.agent, s.console
		close(s.closed)
		b.mu.Unlock()

		if agent != nil {
			agent.Close()
		}
		if console != nil {
			console.Close()
		}
		b.registry.RemoveSession(s.MachineID, s.ID)
		b.logger.Info("Session closed", "machine_id", s.MachineID, "session_id", s.ID)
	})
	return nil
}
