package dto

import (
	"time"

	"github.com/EternisAI/overlord/internal/agents"
)

type AgentInfo struct {
	MachineID    string         `json:"mid"`
	Mode         string         `json:"mode"`
	Status       string         `json:"status"`
	StatusWeight int            `json:"status_weight"`
	Properties   map[string]any `json:"properties,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
	ConnectedAt  time.Time      `json:"connected_at"`
	RemoteAddr   string         `json:"remote_addr,omitempty"`
	SessionID    string         `json:"sid,omitempty"`
}

type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
	Count  int         `json:"count"`
}

type AgentDetailResponse struct {
	AgentInfo
	Sessions []AgentInfo `json:"sessions"`
}

type PropertiesResponse struct {
	MachineID  string         `json:"mid"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Stale      bool           `json:"stale"`
}

// AgentEvent is pushed to subscribe streams.
type AgentEvent struct {
	Event string    `json:"event"`
	Agent AgentInfo `json:"agent"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Agents int    `json:"agents"`
}

func NewAgentInfo(a agents.Agent) AgentInfo {
	return AgentInfo{
		MachineID:    a.MachineID,
		Mode:         string(a.Mode),
		Status:       string(a.Status),
		StatusWeight: a.Status.Weight(),
		Properties:   a.Properties,
		LastSeen:     a.LastSeen,
		ConnectedAt:  a.ConnectedAt,
		RemoteAddr:   a.RemoteAddr,
		SessionID:    a.SessionID,
	}
}
