package agents

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Mode is the role of a single link. A device has exactly one Control link
// and any number of session links.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeControl  Mode = "control"
	ModeTerminal Mode = "terminal"
	ModeShell    Mode = "shell"
	ModeLogcat   Mode = "logcat"
	ModeFile     Mode = "file"
	ModeForward  Mode = "forward"
)

var sessionModes = []Mode{ModeTerminal, ModeShell, ModeLogcat, ModeFile, ModeForward}

// ParseSessionMode parses the mode a console may request a session in.
func ParseSessionMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m.IsSession() {
		return m, nil
	}
	return ModeNone, fmt.Errorf("invalid session mode: %q", s)
}

// IsSession reports whether m is one of the session-link modes.
func (m Mode) IsSession() bool {
	for _, s := range sessionModes {
		if m == s {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Weight orders devices by urgency: failed and disconnected devices sort first.
func (s Status) Weight() int {
	switch s {
	case StatusIdle:
		return 1
	case StatusRunning:
		return 2
	case StatusDisconnected:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st.Weight() == 0 {
		return "", fmt.Errorf("invalid status: %q", s)
	}
	return st, nil
}

// Agent is one connected link of a device. Session-mode agents share the
// MachineID of their Control-mode parent and carry the SessionID that
// spawned them.
type Agent struct {
	MachineID           string
	Mode                Mode
	Status              Status
	Properties          map[string]any
	PropertiesUpdatedAt time.Time
	LastSeen            time.Time
	ConnectedAt         time.Time
	RemoteAddr          string
	SessionID           string
}

// Clone returns a copy that shares no mutable state with a.
func (a *Agent) Clone() Agent {
	c := *a
	if a.Properties != nil {
		c.Properties = maps.Clone(a.Properties)
	}
	return c
}

// PropertiesStale reports whether the cached properties are older than ttl.
func (a *Agent) PropertiesStale(now time.Time, ttl time.Duration) bool {
	if a.PropertiesUpdatedAt.IsZero() {
		return true
	}
	return now.Sub(a.PropertiesUpdatedAt) > ttl
}
