// ABOUTME: Frame event model for the agent-to-backend stream.
// ABOUTME: Frames are atomic and append-only; a RoutedFrame adds the owning agent id.

package protocol

import "time"

// FrameKind enumerates the event kinds a Frame can carry.
type FrameKind string

const (
	// FrameAgent carries agent text and sender identity. An agent frame with
	// empty text is the turn's start marker.
	FrameAgent FrameKind = "agent"
	// FrameToolCall announces a tool invocation request.
	FrameToolCall FrameKind = "tool_call"
	// FrameToolResult carries the outcome of a tool invocation.
	FrameToolResult FrameKind = "tool_result"
	// FrameError reports a failure in the conversation.
	FrameError FrameKind = "error"
	// FrameCost reports the cost and token accounting for a completed turn.
	FrameCost FrameKind = "cost"
	// FrameIdle signals that the agent has gone quiet.
	FrameIdle FrameKind = "idle"
)

// Frame is one atomic event in an agent's output stream. Exactly one payload
// field matching Kind is set; a Frame is never mutated after emission.
type Frame struct {
	ID         string      `json:"id"`
	Kind       FrameKind   `json:"kind"`
	Timestamp  time.Time   `json:"timestamp,omitempty"`
	Agent      *AgentText  `json:"agent,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
	Cost       *Cost       `json:"cost,omitempty"`
}

// AgentText is agent-authored text with the sender identity.
type AgentText struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ToolCall is a tool invocation request.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// ToolResult is the outcome of a tool invocation. Content is text; array
// content is normalized to newline-joined text before emission.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError"`
}

// ErrorInfo describes a conversation-level failure.
type ErrorInfo struct {
	Message string `json:"message"`
}

// TokenUsage holds per-turn token counters. Missing counters are zero-filled
// rather than omitted.
type TokenUsage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
}

// Cost is the turn accounting payload. All counters are always present.
type Cost struct {
	TotalCostUSD  float64               `json:"totalCostUsd"`
	DurationMS    int64                 `json:"durationMs"`
	DurationAPIMS int64                 `json:"durationApiMs"`
	NumTurns      int                   `json:"numTurns"`
	Usage         TokenUsage            `json:"usage"`
	ModelUsage    map[string]TokenUsage `json:"modelUsage,omitempty"`
}

// RoutedFrame wraps a Frame with its owning agent id. This is the unit
// actually transmitted to the backend.
type RoutedFrame struct {
	AgentID string `json:"agentId"`
	Frame   Frame  `json:"frame"`
}
