package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/google/uuid"
)

var (
	ErrNoSuchDevice   = errors.New("no such device")
	ErrInvalidMode    = errors.New("invalid session mode")
	ErrSpawnTimeout   = errors.New("agent did not open the session link in time")
	ErrSpawnFailed    = errors.New("agent failed to open the session link")
	ErrUnknownSession = errors.New("unknown session")
	ErrModeMismatch   = errors.New("session link mode does not match the request")
	ErrSessionClosed  = errors.New("session closed")
	ErrAlreadyClaimed = errors.New("session link already attached")
)

// Registry is the subset of the agent registry the broker needs.
type Registry interface {
	Link(mid string) (agents.Link, bool)
	Upsert(agent *agents.Agent, link agents.Link) error
	RemoveSession(mid, sessionID string) bool
}

// Spawner is implemented by control links: it sends SPAWN to the device.
type Spawner interface {
	Spawn(sessionID string, mode agents.Mode, args []string) error
}

// AgentLink is the agent side of a session as it arrives at the hub, after
// its HELLO was read.
type AgentLink struct {
	MachineID  string
	SessionID  string
	Mode       agents.Mode
	RemoteAddr string
	Conn       io.ReadWriteCloser
}

// Broker pairs console session requests with the session links agents open
// in response to SPAWN.
type Broker struct {
	registry Registry
	deadline time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*Session
	active  map[string]*Session
}

func New(registry Registry, spawnDeadline time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		registry: registry,
		deadline: spawnDeadline,
		logger:   logger.With("component", "broker"),
		pending:  make(map[string]*Session),
		active:   make(map[string]*Session),
	}
}

// Open requests a new session of mode on device mid and blocks until the
// agent's session link is paired, the agent reports failure, the spawn
// deadline passes, or ctx is done. An unknown device fails immediately
// without creating a pending request.
func (b *Broker) Open(ctx context.Context, mid string, mode agents.Mode, args []string) (*Session, error) {
	if !mode.IsSession() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	link, ok := b.registry.Link(mid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDevice, mid)
	}
	spawner, ok := link.(Spawner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDevice, mid)
	}

	s := newSession(b, uuid.New().String(), mid, mode, args)
	b.mu.Lock()
	b.pending[s.ID] = s
	s.state = StateSpawning
	b.mu.Unlock()

	b.logger.Info("Spawning session",
		"machine_id", mid,
		"session_id", s.ID,
		"mode", mode)

	if err := spawner.Spawn(s.ID, mode, args); err != nil {
		b.settle(s, StateClosed, fmt.Errorf("%w: %v", ErrSpawnFailed, err))
		return nil, s.err
	}

	timer := time.NewTimer(b.deadline)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-timer.C:
		if b.settle(s, StateTimedOut, ErrSpawnTimeout) {
			b.logger.Warn("Session spawn timed out",
				"machine_id", mid,
				"session_id", s.ID,
				"deadline", b.deadline)
		}
		<-s.ready
	case <-ctx.Done():
		b.settle(s, StateClosed, ctx.Err())
		<-s.ready
		if s.err == nil {
			// Paired just as the console went away.
			s.Close()
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// Attach pairs an agent session link with its pending request. On success
// the link is registered as a session-mode child of the device and the
// waiting Open returns.
func (b *Broker) Attach(link AgentLink) (*Session, error) {
	b.mu.Lock()
	s, ok := b.pending[link.SessionID]
	if !ok || s.MachineID != link.MachineID {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, link.SessionID)
	}
	// The first link to arrive claims the request; a duplicate must not
	// disturb it.
	if s.agent != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, link.SessionID)
	}
	if s.Mode != link.Mode {
		b.mu.Unlock()
		err := fmt.Errorf("%w: requested %s, got %s", ErrModeMismatch, s.Mode, link.Mode)
		b.settle(s, StateClosed, err)
		return nil, err
	}
	s.agent = link.Conn
	b.mu.Unlock()

	child := &agents.Agent{
		MachineID:  link.MachineID,
		Mode:       link.Mode,
		SessionID:  link.SessionID,
		RemoteAddr: link.RemoteAddr,
	}
	if err := b.registry.Upsert(child, s); err != nil {
		b.settle(s, StateClosed, err)
		return nil, err
	}
	if !b.settle(s, StatePaired, nil) {
		// Timed out or cancelled while registering.
		b.registry.RemoveSession(link.MachineID, link.SessionID)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, link.SessionID)
	}

	b.logger.Info("Session paired",
		"machine_id", s.MachineID,
		"session_id", s.ID,
		"mode", s.Mode)
	return s, nil
}

// Fail ends a pending session with the reason reported by the agent.
func (b *Broker) Fail(sessionID, reason string) bool {
	b.mu.Lock()
	s, ok := b.pending[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.logger.Warn("Agent failed to spawn session", "session_id", sessionID, "reason", reason)
	return b.settle(s, StateClosed, fmt.Errorf("%w: %s", ErrSpawnFailed, reason))
}

// FailMachine ends every pending session for mid. Called when the device's
// control link goes away so consoles don't wait out the full deadline.
func (b *Broker) FailMachine(mid string) int {
	b.mu.Lock()
	var victims []*Session
	for _, s := range b.pending {
		if s.MachineID == mid {
			victims = append(victims, s)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, s := range victims {
		if b.settle(s, StateClosed, fmt.Errorf("%w: %s", ErrNoSuchDevice, mid)) {
			n++
		}
	}
	return n
}

// settle moves a pending session to its post-spawn state. It reports false
// if the session already left the pending table.
func (b *Broker) settle(s *Session, state State, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending[s.ID] != s {
		return false
	}
	delete(b.pending, s.ID)
	s.state = state
	s.err = err
	if state == StatePaired {
		b.active[s.ID] = s
	}
	close(s.ready)
	return true
}

func (b *Broker) Get(sessionID string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.active[sessionID]; ok {
		return s, true
	}
	s, ok := b.pending[sessionID]
	return s, ok
}

func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Close ends every session.
func (b *Broker) Close() {
	b.mu.Lock()
	pending := make([]*Session, 0, len(b.pending))
	for _, s := range b.pending {
		pending = append(pending, s)
	}
	active := make([]*Session, 0, len(b.active))
	for _, s := range b.active {
		active = append(active, s)
	}
	b.mu.Unlock()

	for _, s := range pending {
		b.settle(s, StateClosed, ErrSessionClosed)
	}
	for _, s := range active {
		s.Close()
	}
}
