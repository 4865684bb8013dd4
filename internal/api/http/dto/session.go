package dto

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/overlord/internal/audit"
)

// Control message types sent as websocket text messages on a session.
const (
	ControlStdinClosed = "stdin_closed"
	ControlResize      = "resize"
)

type ControlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

type RPCRequest struct {
	Name string   `json:"name" binding:"required"`
	Args []string `json:"args"`
}

type RPCResponse struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type StartForwardRequest struct {
	RemotePort int `json:"remote_port" binding:"required,min=1,max=65535"`
}

type ForwardInfo struct {
	Port       int       `json:"port"`
	MachineID  string    `json:"mid"`
	RemotePort int       `json:"remote_port"`
	StartedAt  time.Time `json:"started_at"`
}

type ForwardsResponse struct {
	Forwards []ForwardInfo `json:"forwards"`
	Count    int           `json:"count"`
}

type HistoryResponse struct {
	MachineID   string             `json:"mid"`
	Connections []audit.Connection `json:"connections"`
}
