package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu     sync.Mutex
	closed int
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func controlAgent(mid string) *Agent {
	return &Agent{MachineID: mid, Mode: ModeControl}
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRegistry_UpsertControl(t *testing.T) {
	r := NewRegistry(nil)
	link := &fakeLink{}

	require.NoError(t, r.Upsert(controlAgent("mid-1"), link))

	a, ok := r.Get("mid-1")
	require.True(t, ok)
	assert.Equal(t, ModeControl, a.Mode)
	assert.Equal(t, StatusIdle, a.Status)
	assert.False(t, a.LastSeen.IsZero())

	got, ok := r.Link("mid-1")
	require.True(t, ok)
	assert.Same(t, link, got)
}

func TestRegistry_UpsertRejectsInvalid(t *testing.T) {
	r := NewRegistry(nil)

	assert.ErrorIs(t, r.Upsert(nil, nil), ErrInvalidAgent)
	assert.ErrorIs(t, r.Upsert(&Agent{Mode: ModeControl}, nil), ErrInvalidAgent)
	assert.ErrorIs(t, r.Upsert(&Agent{MachineID: "m", Mode: ModeShell}, nil), ErrInvalidAgent)
}

func TestRegistry_SecondHelloSupersedesFirst(t *testing.T) {
	r := NewRegistry(nil)
	events, _ := r.Subscribe(context.Background())

	first := &fakeLink{}
	second := &fakeLink{}
	require.NoError(t, r.Upsert(controlAgent("mid-1"), first))
	drain(events)

	require.NoError(t, r.Upsert(controlAgent("mid-1"), second))

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, EventLeft, got[0].Type)
	assert.Equal(t, StatusDisconnected, got[0].Agent.Status)
	assert.Equal(t, EventJoined, got[1].Type)

	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 0, second.closeCount())
	assert.Equal(t, 1, r.Len())

	link, _ := r.Link("mid-1")
	assert.Same(t, second, link)
}

func TestRegistry_RemoveLinkIgnoresSupersededLink(t *testing.T) {
	r := NewRegistry(nil)
	first := &fakeLink{}
	second := &fakeLink{}
	require.NoError(t, r.Upsert(controlAgent("mid-1"), first))
	require.NoError(t, r.Upsert(controlAgent("mid-1"), second))

	events, _ := r.Subscribe(context.Background())
	assert.False(t, r.RemoveLink("mid-1", first))
	assert.Empty(t, drain(events))

	assert.True(t, r.RemoveLink("mid-1", second))
	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, EventLeft, got[0].Type)
	assert.Equal(t, 0, second.closeCount(), "caller owns its own link")
	assert.False(t, r.RemoveLink("mid-1", second))
}

func TestRegistry_SessionForUnknownMachineRejected(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Upsert(&Agent{MachineID: "ghost", Mode: ModeTerminal, SessionID: "s1"}, &fakeLink{})
	assert.ErrorIs(t, err, ErrUnknownMachine)
}

func TestRegistry_DuplicateSessionRejected(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))

	require.NoError(t, r.Upsert(&Agent{MachineID: "mid-1", Mode: ModeShell, SessionID: "s1"}, &fakeLink{}))
	err := r.Upsert(&Agent{MachineID: "mid-1", Mode: ModeShell, SessionID: "s1"}, &fakeLink{})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRegistry_RemoveCascadesSessions(t *testing.T) {
	r := NewRegistry(nil)
	control := &fakeLink{}
	s1 := &fakeLink{}
	s2 := &fakeLink{}
	require.NoError(t, r.Upsert(controlAgent("mid-1"), control))
	require.NoError(t, r.Upsert(&Agent{MachineID: "mid-1", Mode: ModeTerminal, SessionID: "s1"}, s1))
	require.NoError(t, r.Upsert(&Agent{MachineID: "mid-1", Mode: ModeLogcat, SessionID: "s2"}, s2))
	require.Len(t, r.Sessions("mid-1"), 2)

	events, _ := r.Subscribe(context.Background())
	assert.True(t, r.Remove("mid-1"))

	assert.Equal(t, 1, control.closeCount())
	assert.Equal(t, 1, s1.closeCount())
	assert.Equal(t, 1, s2.closeCount())
	assert.Nil(t, r.Sessions("mid-1"))

	got := drain(events)
	require.Len(t, got, 1, "session links do not publish events")
	assert.Equal(t, EventLeft, got[0].Type)

	assert.False(t, r.Remove("mid-1"))
}

func TestRegistry_RemoveSession(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	require.NoError(t, r.Upsert(&Agent{MachineID: "mid-1", Mode: ModeFile, SessionID: "s1"}, &fakeLink{}))

	assert.True(t, r.RemoveSession("mid-1", "s1"))
	assert.False(t, r.RemoveSession("mid-1", "s1"))
	assert.False(t, r.RemoveSession("nobody", "s1"))
	assert.Empty(t, r.Sessions("mid-1"))
}

func TestRegistry_TouchIsMonotonic(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	a, _ := r.Get("mid-1")
	start := a.LastSeen

	later := start.Add(5 * time.Second)
	r.Touch("mid-1", "", later)
	a, _ = r.Get("mid-1")
	assert.Equal(t, later, a.LastSeen)

	r.Touch("mid-1", "", start.Add(-time.Minute))
	a, _ = r.Get("mid-1")
	assert.Equal(t, later, a.LastSeen)

	// Unknown machines are ignored.
	r.Touch("nobody", "", later)
}

func TestRegistry_UpdateProperties(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	events, _ := r.Subscribe(context.Background())

	require.NoError(t, r.UpdateProperties("mid-1", map[string]any{"model": "a"}))
	require.NoError(t, r.UpdateProperties("mid-1", map[string]any{"serial": "b"}))

	a, _ := r.Get("mid-1")
	assert.Equal(t, map[string]any{"serial": "b"}, a.Properties, "refresh overwrites wholesale")
	assert.False(t, a.PropertiesStale(time.Now(), time.Minute))

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, EventUpdated, got[1].Type)

	assert.ErrorIs(t, r.UpdateProperties("nobody", nil), ErrUnknownMachine)
}

func TestRegistry_UpdateStatusPublishesOnChange(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	events, _ := r.Subscribe(context.Background())

	require.NoError(t, r.UpdateStatus("mid-1", StatusRunning))
	require.NoError(t, r.UpdateStatus("mid-1", StatusRunning))

	assert.Len(t, drain(events), 1)
	assert.ErrorIs(t, r.UpdateStatus("nobody", StatusIdle), ErrUnknownMachine)
}

func TestRegistry_ListOrdering(t *testing.T) {
	r := NewRegistry(nil)
	for _, mid := range []string{"c", "a", "b", "d"} {
		require.NoError(t, r.Upsert(controlAgent(mid), &fakeLink{}))
	}
	require.NoError(t, r.UpdateStatus("d", StatusFailed))
	require.NoError(t, r.UpdateStatus("b", StatusRunning))
	require.NoError(t, r.UpdateStatus("c", StatusRunning))

	list := r.List()
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.MachineID
	}
	assert.Equal(t, []string{"d", "b", "c", "a"}, ids)

	running := r.List(WithStatus(StatusRunning))
	assert.Len(t, running, 2)
}

func TestRegistry_ListReturnsSnapshots(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	require.NoError(t, r.UpdateProperties("mid-1", map[string]any{"k": "v"}))

	list := r.List()
	list[0].Properties["k"] = "mutated"

	a, _ := r.Get("mid-1")
	assert.Equal(t, "v", a.Properties["k"])
}

func TestRegistry_SubscribeEndsWithContext(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	events, _ := r.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel was not closed")
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	events, id := r.Subscribe(context.Background())

	r.Unsubscribe(id)
	r.Unsubscribe(id)

	_, ok := <-events
	assert.False(t, ok)
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
}

func TestRegistry_ConcurrentUpserts(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mid := "mid-" + string(rune('a'+i%5))
			assert.NoError(t, r.Upsert(controlAgent(mid), &fakeLink{}))
			r.Touch(mid, "", time.Now())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, r.Len())
}

func TestRegistry_SlowSubscriberIsDropped(t *testing.T) {
	r := NewRegistry(nil)
	events, _ := r.Subscribe(context.Background())
	fast, _ := r.Subscribe(context.Background())

	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	for i := 0; i < subscriberBufferSize; i++ {
		require.NoError(t, r.UpdateProperties("mid-1", map[string]any{"i": i}))
		<-fast
	}
	<-fast

	received := 0
	for range events {
		received++
	}
	assert.Equal(t, subscriberBufferSize, received, "buffered events are delivered before the channel closes")

	// The remaining subscriber keeps receiving.
	require.True(t, r.Remove("mid-1"))
	ev := <-fast
	assert.Equal(t, EventLeft, ev.Type)
}

func TestRegistry_FollowResyncsAfterOverflow(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []EventType
	resynced := make(chan struct{}, 1)
	done := r.Follow(ctx, func(ev Event) {
		<-block
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}, func() {
		resynced <- struct{}{}
	})

	// One event is held by the handler, the rest overflow the buffer.
	require.NoError(t, r.Upsert(controlAgent("mid-1"), &fakeLink{}))
	for i := 0; i < subscriberBufferSize+1; i++ {
		require.NoError(t, r.UpdateProperties("mid-1", map[string]any{"i": i}))
	}
	close(block)

	select {
	case <-resynced:
	case <-time.After(2 * time.Second):
		t.Fatal("resync was not called after the subscription was dropped")
	}

	require.True(t, r.Remove("mid-1"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == EventLeft
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

func TestRegistry_FollowEndsOnClose(t *testing.T) {
	r := NewRegistry(nil)
	done := r.Follow(context.Background(), func(Event) {}, func() {
		t.Error("resync must not run when the registry closes")
	})
	r.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after Close")
	}
}
