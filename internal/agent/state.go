// ABOUTME: Agent status enum and the runtime-only instance record.
// ABOUTME: Instances are created on activate and never persisted.

package agent

import (
	"time"

	"github.com/2389/coven-runtime/internal/bridge"
	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/stream"
)

// Status is an agent's lifecycle state. Transitions happen only through
// the Manager.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusActivating Status = "activating"
	StatusOnline     Status = "online"
	StatusBusy       Status = "busy"
	StatusError      Status = "error"
)

// Instance is one hosted agent's runtime state. All fields are guarded by
// the Manager's mutex; nothing here is persisted.
type Instance struct {
	ID            protocol.AgentID
	Status        Status
	WorkspacePath string
	SystemPrompt  string
	ToolServers   []protocol.ToolServer
	Environment   map[string]string
	EngineKind    engine.Kind
	ActivatedAt   time.Time
	LastActivity  time.Time

	bridge *bridge.Bridge
	stream *stream.MessageStream
	eng    engine.Engine

	// queue holds deliveries that arrived while processing with no live
	// stream to inject into. Drained as one batched unit after the turn.
	queue        []string
	isProcessing bool
}
