package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/EternisAI/overlord/internal/agents"
)

type FrameType string

const (
	TypeHello             FrameType = "HELLO"
	TypePing              FrameType = "PING"
	TypePong              FrameType = "PONG"
	TypeUpdate            FrameType = "UPDATE"
	TypeRequestProperties FrameType = "REQUEST_PROPERTIES"
	TypeProperties        FrameType = "PROPERTIES"
	TypeSpawn             FrameType = "SPAWN"
	TypeRPCCall           FrameType = "RPC_CALL"
	TypeRPCResult         FrameType = "RPC_RESULT"

	// Session links carry only these after HELLO.
	TypeData        FrameType = "DATA"
	TypeStdinClosed FrameType = "STDIN_CLOSED"
	TypeResize      FrameType = "RESIZE"
)

type ResultStatus string

const (
	ResultSuccess ResultStatus = "Success"
	ResultFailed  ResultStatus = "Failed"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the unit exchanged on every link. Which fields are meaningful
// depends on Type; Validate enforces the required ones.
type Frame struct {
	Type       FrameType       `json:"type"`
	ID         string          `json:"id,omitempty"`
	MachineID  string          `json:"mid,omitempty"`
	Mode       agents.Mode     `json:"mode,omitempty"`
	SessionID  string          `json:"sid,omitempty"`
	Name       string          `json:"name,omitempty"`
	Args       []string        `json:"args,omitempty"`
	Status     string          `json:"status,omitempty"`
	Result     ResultStatus    `json:"result,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	Cols       uint16          `json:"cols,omitempty"`
	Rows       uint16          `json:"rows,omitempty"`
}

func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrMalformedFrame)
	}
	switch f.Type {
	case TypeHello:
		if f.MachineID == "" {
			return fmt.Errorf("%w: HELLO without machine id", ErrMalformedFrame)
		}
		if f.Mode == "" || f.Mode == agents.ModeControl {
			return nil
		}
		if !f.Mode.IsSession() {
			return fmt.Errorf("%w: HELLO with mode %q", ErrMalformedFrame, f.Mode)
		}
		if f.SessionID == "" {
			return fmt.Errorf("%w: session HELLO without session id", ErrMalformedFrame)
		}
	case TypeSpawn:
		if f.SessionID == "" || !f.Mode.IsSession() {
			return fmt.Errorf("%w: SPAWN needs session id and session mode", ErrMalformedFrame)
		}
	case TypeRPCCall:
		if f.ID == "" || f.Name == "" {
			return fmt.Errorf("%w: RPC_CALL needs id and name", ErrMalformedFrame)
		}
	case TypeRPCResult:
		if f.ID == "" {
			return fmt.Errorf("%w: RPC_RESULT without id", ErrMalformedFrame)
		}
		if f.Result != ResultSuccess && f.Result != ResultFailed {
			return fmt.Errorf("%w: RPC_RESULT status %q", ErrMalformedFrame, f.Result)
		}
	case TypeUpdate:
		if f.Status != "" {
			if _, err := agents.ParseStatus(f.Status); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
		}
	case TypePing, TypePong, TypeRequestProperties, TypeProperties,
		TypeData, TypeStdinClosed, TypeResize:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}

// Hello returns the first frame of a link. An empty sessionID means a
// control link.
func Hello(mid string, mode agents.Mode, sessionID string, props map[string]any) *Frame {
	return &Frame{Type: TypeHello, MachineID: mid, Mode: mode, SessionID: sessionID, Properties: props}
}

func Spawn(sessionID string, mode agents.Mode, args []string) *Frame {
	return &Frame{Type: TypeSpawn, SessionID: sessionID, Mode: mode, Args: args}
}

func RPCCall(id, name string, args []string) *Frame {
	return &Frame{Type: TypeRPCCall, ID: id, Name: name, Args: args}
}

func RPCSuccess(id string, payload json.RawMessage) *Frame {
	return &Frame{Type: TypeRPCResult, ID: id, Result: ResultSuccess, Payload: payload}
}

func RPCFailure(id, reason string) *Frame {
	return &Frame{Type: TypeRPCResult, ID: id, Result: ResultFailed, Error: reason}
}

// IsControl reports whether a HELLO opens a control link.
func (f *Frame) IsControl() bool {
	return f.Mode == "" || f.Mode == agents.ModeControl
}
