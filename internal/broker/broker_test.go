package broker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// duplex is one end of an in-memory full-duplex connection that supports
// half-close.
type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newDuplexPair() (*duplex, *duplex) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &duplex{r: ar, w: aw}, &duplex{r: br, w: bw}
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplex) CloseWrite() error           { return d.w.Close() }

// Close is an abrupt disconnect; the peer sees io.ErrClosedPipe, not EOF.
func (d *duplex) Close() error {
	d.r.Close()
	return d.w.CloseWithError(io.ErrClosedPipe)
}

type fakeControl struct {
	mu      sync.Mutex
	spawned []string
	onSpawn func(sid string, mode agents.Mode)
}

func (f *fakeControl) Spawn(sid string, mode agents.Mode, _ []string) error {
	f.mu.Lock()
	f.spawned = append(f.spawned, sid)
	f.mu.Unlock()
	if f.onSpawn != nil {
		go f.onSpawn(sid, mode)
	}
	return nil
}

func (f *fakeControl) Close() error { return nil }

func (f *fakeControl) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawned) == 0 {
		return ""
	}
	return f.spawned[len(f.spawned)-1]
}

func setup(t *testing.T, deadline time.Duration) (*Broker, *agents.Registry, *fakeControl) {
	t.Helper()
	reg := agents.NewRegistry(nil)
	ctrl := &fakeControl{}
	require.NoError(t, reg.Upsert(&agents.Agent{MachineID: "m1", Mode: agents.ModeControl}, ctrl))
	return New(reg, deadline, nil), reg, ctrl
}

// attachOnSpawn makes the fake device answer every SPAWN with a session
// link; the agent-side ends are delivered on the returned channel.
func attachOnSpawn(t *testing.T, b *Broker, ctrl *fakeControl) <-chan *duplex {
	t.Helper()
	ends := make(chan *duplex, 4)
	ctrl.onSpawn = func(sid string, mode agents.Mode) {
		hubSide, agentSide := newDuplexPair()
		_, err := b.Attach(AgentLink{MachineID: "m1", SessionID: sid, Mode: mode, Conn: hubSide})
		if err != nil {
			hubSide.Close()
			return
		}
		ends <- agentSide
	}
	return ends
}

func TestOpenUnknownDevice(t *testing.T) {
	b, _, _ := setup(t, time.Second)

	start := time.Now()
	_, err := b.Open(context.Background(), "nope", agents.ModeShell, nil)
	assert.ErrorIs(t, err, ErrNoSuchDevice)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, b.Pending())
}

func TestOpenInvalidMode(t *testing.T) {
	b, _, _ := setup(t, time.Second)

	_, err := b.Open(context.Background(), "m1", agents.ModeControl, nil)
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestOpenSpawnTimeout(t *testing.T) {
	b, _, ctrl := setup(t, 50*time.Millisecond)

	start := time.Now()
	s, err := b.Open(context.Background(), "m1", agents.ModeTerminal, nil)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrSpawnTimeout)
	assert.Less(t, time.Since(start), time.Second)

	sid := ctrl.last()
	require.NotEmpty(t, sid)
	assert.Equal(t, 0, b.Pending())

	// A link that shows up after the deadline is refused.
	hubSide, _ := newDuplexPair()
	_, err = b.Attach(AgentLink{MachineID: "m1", SessionID: sid, Mode: agents.ModeTerminal, Conn: hubSide})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestOpenPairs(t *testing.T) {
	b, reg, ctrl := setup(t, time.Second)
	ends := attachOnSpawn(t, b, ctrl)

	s, err := b.Open(context.Background(), "m1", agents.ModeShell, []string{"ls"})
	require.NoError(t, err)
	<-ends

	assert.Equal(t, StatePaired, s.State())
	assert.Equal(t, 1, b.Active())
	assert.Equal(t, 0, b.Pending())

	children := reg.Sessions("m1")
	require.Len(t, children, 1)
	assert.Equal(t, s.ID, children[0].SessionID)
	assert.Equal(t, agents.ModeShell, children[0].Mode)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, reg.Sessions("m1"))
	assert.Equal(t, 0, b.Active())
}

func TestOpenAgentReportsFailure(t *testing.T) {
	b, _, ctrl := setup(t, time.Second)
	ctrl.onSpawn = func(sid string, _ agents.Mode) {
		b.Fail(sid, "no such mode on this device")
	}

	_, err := b.Open(context.Background(), "m1", agents.ModeLogcat, nil)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Contains(t, err.Error(), "no such mode")
}

func TestOpenContextCancelled(t *testing.T) {
	b, _, _ := setup(t, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.Open(ctx, "m1", agents.ModeFile, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.Pending())
}

func TestAttachModeMismatch(t *testing.T) {
	b, _, ctrl := setup(t, time.Second)
	ctrl.onSpawn = func(sid string, _ agents.Mode) {
		hubSide, _ := newDuplexPair()
		_, err := b.Attach(AgentLink{MachineID: "m1", SessionID: sid, Mode: agents.ModeForward, Conn: hubSide})
		assert.ErrorIs(t, err, ErrModeMismatch)
	}

	_, err := b.Open(context.Background(), "m1", agents.ModeShell, nil)
	assert.ErrorIs(t, err, ErrModeMismatch)
}

// gatedRegistry holds session-mode Upserts until release is closed.
type gatedRegistry struct {
	*agents.Registry
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistry) Upsert(a *agents.Agent, link agents.Link) error {
	if a.Mode.IsSession() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Registry.Upsert(a, link)
}

func TestAttachDuplicateLinkKeepsFirst(t *testing.T) {
	reg := agents.NewRegistry(nil)
	ctrl := &fakeControl{}
	require.NoError(t, reg.Upsert(&agents.Agent{MachineID: "m1", Mode: agents.ModeControl}, ctrl))
	gated := &gatedRegistry{Registry: reg, entered: make(chan struct{}, 1), release: make(chan struct{})}
	b := New(gated, time.Second, nil)

	dupErr := make(chan error, 1)
	ctrl.onSpawn = func(sid string, mode agents.Mode) {
		first, _ := newDuplexPair()
		go b.Attach(AgentLink{MachineID: "m1", SessionID: sid, Mode: mode, Conn: first})
		<-gated.entered

		second, _ := newDuplexPair()
		_, err := b.Attach(AgentLink{MachineID: "m1", SessionID: sid, Mode: mode, Conn: second})
		dupErr <- err
		close(gated.release)
	}

	s, err := b.Open(context.Background(), "m1", agents.ModeShell, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, <-dupErr, ErrAlreadyClaimed)
	assert.Equal(t, StatePaired, s.State())
	assert.Len(t, reg.Sessions("m1"), 1)
}

func TestAttachUnknownSession(t *testing.T) {
	b, _, _ := setup(t, time.Second)
	hubSide, _ := newDuplexPair()

	_, err := b.Attach(AgentLink{MachineID: "m1", SessionID: "ghost", Mode: agents.ModeShell, Conn: hubSide})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestFailMachineEndsPendingSessions(t *testing.T) {
	b, _, ctrl := setup(t, time.Minute)
	ctrl.onSpawn = func(string, agents.Mode) {
		b.FailMachine("m1")
	}

	_, err := b.Open(context.Background(), "m1", agents.ModeShell, nil)
	assert.ErrorIs(t, err, ErrNoSuchDevice)
}

func TestRelayPreservesByteOrder(t *testing.T) {
	b, _, ctrl := setup(t, time.Second)
	ends := attachOnSpawn(t, b, ctrl)

	s, err := b.Open(context.Background(), "m1", agents.ModeShell, nil)
	require.NoError(t, err)
	agentEnd := <-ends

	hubConsole, console := newDuplexPair()
	relayDone := make(chan error, 1)
	go func() { relayDone <- s.Relay(hubConsole) }()

	go func() {
		console.Write([]byte("AAAA"))
		console.Write([]byte("BBBB"))
	}()

	got := make([]byte, 8)
	_, err = io.ReadFull(agentEnd, got)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(got))

	agentEnd.Close()
	select {
	case err := <-relayDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not finish after agent closed")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestRelayStdinClosedKeepsOutputDraining(t *testing.T) {
	b, _, ctrl := setup(t, time.Second)
	ends := attachOnSpawn(t, b, ctrl)

	s, err := b.Open(context.Background(), "m1", agents.ModeShell, nil)
	require.NoError(t, err)
	agentEnd := <-ends

	hubConsole, console := newDuplexPair()
	relayDone := make(chan error, 1)
	go func() { relayDone <- s.Relay(hubConsole) }()

	go func() {
		console.Write([]byte("echo hi\n"))
		console.CloseWrite()
	}()

	in, err := io.ReadAll(agentEnd)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(in))

	// Session is still open for output.
	go func() {
		agentEnd.Write([]byte("hi\n"))
		agentEnd.CloseWrite()
	}()
	out := make([]byte, 3)
	_, err = io.ReadFull(console, out)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(out))

	select {
	case <-relayDone:
	case <-time.After(time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestConsoleDisconnectClosesAgentSide(t *testing.T) {
	b, _, ctrl := setup(t, time.Second)
	ends := attachOnSpawn(t, b, ctrl)

	s, err := b.Open(context.Background(), "m1", agents.ModeTerminal, nil)
	require.NoError(t, err)
	agentEnd := <-ends

	hubConsole, console := newDuplexPair()
	go s.Relay(hubConsole)

	console.Close()

	_, err = agentEnd.Read(make([]byte, 1))
	assert.Error(t, err)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
}

func TestControlLossCascadesToSessions(t *testing.T) {
	b, reg, ctrl := setup(t, time.Second)
	ends := attachOnSpawn(t, b, ctrl)

	var sessions []*Session
	relays := make(chan error, 2)
	for i := 0; i < 2; i++ {
		s, err := b.Open(context.Background(), "m1", agents.ModeShell, nil)
		require.NoError(t, err)
		<-ends
		hubConsole, _ := newDuplexPair()
		go func() { relays <- s.Relay(hubConsole) }()
		sessions = append(sessions, s)
	}
	require.Len(t, reg.Sessions("m1"), 2)

	require.True(t, reg.Remove("m1"))

	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("session survived control link removal")
		}
		assert.Equal(t, StateClosed, s.State())
	}
	for i := 0; i < 2; i++ {
		select {
		case <-relays:
		case <-time.After(time.Second):
			t.Fatal("relay still running")
		}
	}
	assert.Equal(t, 0, b.Active())
}

func TestRelayOnClosedSession(t *testing.T) {
	b, _, ctrl := setup(t, time.Second)
	ends := attachOnSpawn(t, b, ctrl)

	s, err := b.Open(context.Background(), "m1", agents.ModeFile, nil)
	require.NoError(t, err)
	<-ends
	s.Close()

	hubConsole, console := newDuplexPair()
	assert.ErrorIs(t, s.Relay(hubConsole), ErrSessionClosed)

	_, err = console.Read(make([]byte, 1))
	assert.Error(t, err)
}
