package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownMachine = errors.New("unknown machine")
	ErrSessionExists  = errors.New("session already registered")
	ErrInvalidAgent   = errors.New("invalid agent")
)

const subscriberBufferSize = 64

type EventType string

const (
	EventJoined  EventType = "joined"
	EventLeft    EventType = "left"
	EventUpdated EventType = "updated"
)

// Event is published to subscribers whenever a Control-mode agent joins,
// leaves or changes. Session links do not produce events.
type Event struct {
	Type  EventType
	Agent Agent
}

// Link is the connection backing an agent record. The registry closes it
// when the record is evicted or cascaded away.
type Link interface {
	Close() error
}

type record struct {
	agent    *Agent
	link     Link
	sessions map[string]*record
}

// Filter selects agents in List.
type Filter func(*Agent) bool

func WithStatus(status Status) Filter {
	return func(a *Agent) bool { return a.Status == status }
}

// Registry is the authoritative map of connected devices. All mutations are
// serialized by a single lock; events are published while the lock is held
// so every subscriber observes them in mutation order.
type Registry struct {
	mu          sync.RWMutex
	controls    map[string]*record
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		controls:    make(map[string]*record),
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "registry"),
		now:         time.Now,
	}
}

// Upsert inserts a Control-mode agent, evicting any live record with the same
// machine id first (the newer connection wins), or adds a session-mode child
// to an existing Control-mode agent.
func (r *Registry) Upsert(agent *Agent, link Link) error {
	if agent == nil || agent.MachineID == "" {
		return ErrInvalidAgent
	}
	if agent.Mode == ModeControl {
		r.upsertControl(agent, link)
		return nil
	}
	if !agent.Mode.IsSession() || agent.SessionID == "" {
		return fmt.Errorf("%w: mode %q session %q", ErrInvalidAgent, agent.Mode, agent.SessionID)
	}
	return r.addSession(agent, link)
}

func (r *Registry) upsertControl(agent *Agent, link Link) {
	now := r.now()
	if agent.ConnectedAt.IsZero() {
		agent.ConnectedAt = now
	}
	if agent.LastSeen.IsZero() {
		agent.LastSeen = now
	}
	if agent.Status == "" {
		agent.Status = StatusIdle
	}

	r.mu.Lock()
	var stale []Link
	if existing, ok := r.controls[agent.MachineID]; ok {
		r.logger.Warn("Machine already connected, evicting previous link", "machine_id", agent.MachineID)
		stale = r.detachLocked(existing)
	}
	r.controls[agent.MachineID] = &record{
		agent:    agent,
		link:     link,
		sessions: make(map[string]*record),
	}
	r.publishLocked(EventJoined, agent)
	total := len(r.controls)
	r.mu.Unlock()

	closeLinks(stale)
	r.logger.Info("Agent joined", "machine_id", agent.MachineID, "total_agents", total)
}

func (r *Registry) addSession(agent *Agent, link Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.controls[agent.MachineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, agent.MachineID)
	}
	if _, exists := parent.sessions[agent.SessionID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, agent.SessionID)
	}
	now := r.now()
	if agent.ConnectedAt.IsZero() {
		agent.ConnectedAt = now
	}
	if agent.LastSeen.IsZero() {
		agent.LastSeen = now
	}
	if agent.Status == "" {
		agent.Status = StatusRunning
	}
	parent.sessions[agent.SessionID] = &record{agent: agent, link: link}
	r.logger.Debug("Session link added",
		"machine_id", agent.MachineID,
		"session_id", agent.SessionID,
		"mode", agent.Mode)
	return nil
}

// detachLocked removes rec from the map, publishes its left event and
// returns the links that must be closed once the lock is released.
func (r *Registry) detachLocked(rec *record) []Link {
	delete(r.controls, rec.agent.MachineID)
	links := make([]Link, 0, len(rec.sessions)+1)
	for _, s := range rec.sessions {
		if s.link != nil {
			links = append(links, s.link)
		}
	}
	if rec.link != nil {
		links = append(links, rec.link)
	}
	rec.agent.Status = StatusDisconnected
	r.publishLocked(EventLeft, rec.agent)
	return links
}

// Remove evicts the Control-mode agent for mid and all of its sessions.
func (r *Registry) Remove(mid string) bool {
	r.mu.Lock()
	rec, ok := r.controls[mid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	links := r.detachLocked(rec)
	total := len(r.controls)
	r.mu.Unlock()

	closeLinks(links)
	r.logger.Info("Agent left", "machine_id", mid, "total_agents", total)
	return true
}

// RemoveLink removes the Control-mode agent for mid only if it is still backed
// by link. A link that was superseded by a newer HELLO must not remove its
// successor when it tears down.
func (r *Registry) RemoveLink(mid string, link Link) bool {
	r.mu.Lock()
	rec, ok := r.controls[mid]
	if !ok || rec.link != link {
		r.mu.Unlock()
		return false
	}
	links := r.detachLocked(rec)
	total := len(r.controls)
	r.mu.Unlock()

	// The caller owns link and is already tearing it down.
	others := links[:0]
	for _, l := range links {
		if l != link {
			others = append(others, l)
		}
	}
	closeLinks(others)
	r.logger.Info("Agent left", "machine_id", mid, "total_agents", total)
	return true
}

func (r *Registry) RemoveSession(mid, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.controls[mid]
	if !ok {
		return false
	}
	if _, ok := parent.sessions[sessionID]; !ok {
		return false
	}
	delete(parent.sessions, sessionID)
	r.logger.Debug("Session link removed", "machine_id", mid, "session_id", sessionID)
	return true
}

// Touch records activity on a link. LastSeen never moves backwards.
func (r *Registry) Touch(mid, sessionID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.controls[mid]
	if !ok {
		return
	}
	if sessionID != "" {
		if rec, ok = rec.sessions[sessionID]; !ok {
			return
		}
	}
	if t.After(rec.agent.LastSeen) {
		rec.agent.LastSeen = t
	}
}

// UpdateProperties replaces the cached properties document wholesale.
func (r *Registry) UpdateProperties(mid string, doc map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.controls[mid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, mid)
	}
	rec.agent.Properties = doc
	rec.agent.PropertiesUpdatedAt = r.now()
	r.publishLocked(EventUpdated, rec.agent)
	return nil
}

func (r *Registry) UpdateStatus(mid string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.controls[mid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, mid)
	}
	if rec.agent.Status == status {
		return nil
	}
	rec.agent.Status = status
	r.publishLocked(EventUpdated, rec.agent)
	return nil
}

func (r *Registry) Get(mid string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.controls[mid]
	if !ok {
		return Agent{}, false
	}
	return rec.agent.Clone(), true
}

// Link returns the connection backing the Control-mode agent for mid.
func (r *Registry) Link(mid string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.controls[mid]
	if !ok {
		return nil, false
	}
	return rec.link, true
}

// Sessions returns the session-mode children of mid ordered by session id.
func (r *Registry) Sessions(mid string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.controls[mid]
	if !ok {
		return nil
	}
	result := make([]Agent, 0, len(rec.sessions))
	for _, s := range rec.sessions {
		result = append(result, s.agent.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })
	return result
}

// List returns a snapshot of Control-mode agents ordered by status weight
// (most urgent first) then machine id.
func (r *Registry) List(filters ...Filter) []Agent {
	r.mu.RLock()
	result := make([]Agent, 0, len(r.controls))
next:
	for _, rec := range r.controls {
		for _, f := range filters {
			if !f(rec.agent) {
				continue next
			}
		}
		result = append(result, rec.agent.Clone())
	}
	r.mu.RUnlock()

	SortAgents(result)
	return result
}

func SortAgents(list []Agent) {
	sort.Slice(list, func(i, j int) bool {
		wi, wj := list[i].Status.Weight(), list[j].Status.Weight()
		if wi != wj {
			return wi > wj
		}
		return list[i].MachineID < list[j].MachineID
	})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controls)
}

// Subscribe registers a subscriber and returns its event channel and id.
// The subscription ends when ctx is cancelled, Unsubscribe is called, the
// registry is closed, or the subscriber falls a full buffer behind; in every
// case the channel is closed.
func (r *Registry) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, subID
	}
	r.subscribers[subID] = ch
	r.mu.Unlock()

	r.logger.Debug("Subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		r.Unsubscribe(subID)
	}()
	return ch, subID
}

func (r *Registry) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.subscribers[subID]
	if !ok {
		return
	}
	delete(r.subscribers, subID)
	close(ch)
	r.logger.Debug("Subscriber removed", "sub_id", subID)
}

// Follow calls handle for every event, from a goroutine of its own, until
// ctx is done or the registry is closed; the returned channel is closed
// then. The first subscription is in place when Follow returns. If the
// subscription is dropped for falling behind, Follow subscribes again and
// calls resync so the caller can reconcile against the current registry
// contents.
func (r *Registry) Follow(ctx context.Context, handle func(Event), resync func()) <-chan struct{} {
	done := make(chan struct{})
	events, _ := r.Subscribe(ctx)

	go func() {
		defer close(done)
		for {
			for ev := range events {
				handle(ev)
			}
			if ctx.Err() != nil || r.isClosed() {
				return
			}
			r.logger.Warn("Event subscription lost, resubscribing")
			events, _ = r.Subscribe(ctx)
			if resync != nil {
				resync()
			}
		}
	}()
	return done
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close drops every subscriber.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
}

// publishLocked never blocks. A subscriber whose buffer is full is dropped
// and its channel closed, so it never silently misses an event.
func (r *Registry) publishLocked(t EventType, agent *Agent) {
	if len(r.subscribers) == 0 {
		return
	}
	ev := Event{Type: t, Agent: agent.Clone()}
	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			delete(r.subscribers, id)
			close(ch)
			r.logger.Warn("Dropped slow subscriber",
				"sub_id", id,
				"event", t,
				"machine_id", agent.MachineID)
		}
	}
}

func closeLinks(links []Link) {
	for _, l := range links {
		if err := l.Close(); err != nil {
			slog.Debug("Closing link failed", "error", err)
		}
	}
}
