// ABOUTME: Envelope and payload structs for the runtime<->gateway wire protocol.
// ABOUTME: Messages are JSON objects with a type tag and a typed payload.

package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a wire envelope.
type MessageType string

// Gateway -> runtime message types.
const (
	TypeRuntimeConnected MessageType = "runtime_connected"
	TypeActivate         MessageType = "activate"
	TypeMessage          MessageType = "message"
	TypeSuspend          MessageType = "suspend"
	TypePing             MessageType = "ping"
	TypeError            MessageType = "error"
)

// Runtime -> gateway message types.
const (
	TypeRuntimeReady   MessageType = "runtime_ready"
	TypeAgentCheckin   MessageType = "agent_checkin"
	TypeAgentHeartbeat MessageType = "agent_heartbeat"
	TypeFrame          MessageType = "frame"
	TypePong           MessageType = "pong"
)

// Envelope is the outer shape of every wire message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// RuntimeConnected is the gateway's acknowledgement of a runtime connection.
type RuntimeConnected struct {
	RuntimeID       string `json:"runtimeId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Activate asks the runtime to bring an agent online.
type Activate struct {
	AgentID      string       `json:"agentId"`
	SystemPrompt string       `json:"systemPrompt,omitempty"`
	ToolServers  []ToolServer `json:"toolServers,omitempty"`
	// WorkspacePath is advisory only; the runtime always derives the real
	// workspace from its configured base path and the agent id.
	WorkspacePath string            `json:"workspacePath,omitempty"`
	Props         map[string]string `json:"props,omitempty"`
}

// Message delivers conversation content to an agent. The optional fields
// refresh mutable per-message configuration on a live instance.
type Message struct {
	AgentID string `json:"agentId"`
	// MessageID is the backend's unique id for this delivery, used to
	// suppress redelivery after reconnects. Deliveries without one are
	// never deduplicated.
	MessageID    string            `json:"messageId,omitempty"`
	Content      string            `json:"content"`
	Sender       string            `json:"sender,omitempty"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	ToolServers  []ToolServer      `json:"toolServers,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Props        map[string]string `json:"props,omitempty"`
}

// Suspend asks the runtime to take an agent offline.
type Suspend struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// Ping is a keepalive probe; the runtime echoes the timestamp back in a Pong.
type Ping struct {
	Timestamp string `json:"timestamp"`
}

// Pong echoes a Ping timestamp.
type Pong struct {
	Timestamp string `json:"timestamp"`
}

// ErrorMessage is a gateway-reported protocol error.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RuntimeReady announces the runtime to the gateway on transport open.
type RuntimeReady struct {
	RuntimeID   string      `json:"runtimeId"`
	SpaceID     string      `json:"spaceId"`
	Name        string      `json:"name"`
	MachineInfo MachineInfo `json:"machineInfo"`
}

// MachineInfo describes the host the runtime is running on.
type MachineInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
}

// AgentCheckin announces that an agent is ready for work.
type AgentCheckin struct {
	AgentID string `json:"agentId"`
}

// AgentHeartbeat is a per-agent liveness signal.
type AgentHeartbeat struct {
	AgentID string `json:"agentId"`
}

// ToolServer configures one tool server an agent may use. Transport selects
// which fields are required: stdio needs Command, http and sse need URL.
type ToolServer struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}
